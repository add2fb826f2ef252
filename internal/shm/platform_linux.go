//go:build linux

/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// DevShmDir is the mount point of the kernel shm namespace.
const DevShmDir = "/dev/shm"

type dirBacking struct {
	strategy Strategy
	dir      string
}

// NewBacking returns a backing strategy rooted at dir. For StrategyDevShm an
// empty dir means DevShmDir.
func NewBacking(strategy Strategy, dir string) (Backing, error) {
	switch strategy {
	case StrategyDevShm:
		if dir == "" {
			dir = DevShmDir
		}
	case StrategyFile:
		if dir == "" {
			return nil, errors.New("file backing requires a directory")
		}
	default:
		return nil, fmt.Errorf("unknown backing strategy %q", strategy)
	}
	return &dirBacking{strategy: strategy, dir: dir}, nil
}

// Probe selects a backing strategy once at startup. With StrategyAuto it
// prefers /dev/shm when it is a writable directory with at least need bytes
// free, and falls back to fileDir otherwise.
func Probe(ctx context.Context, preferred Strategy, fileDir string, need uint64) (Backing, error) {
	switch preferred {
	case StrategyDevShm:
		if !CanCreateOnDevShm(need) {
			return nil, fmt.Errorf("%s unusable: %w", DevShmDir, ErrPlatformUnsupported)
		}
		return NewBacking(StrategyDevShm, DevShmDir)
	case StrategyFile:
		if err := ensureDir(fileDir); err != nil {
			return nil, err
		}
		return NewBacking(StrategyFile, fileDir)
	case StrategyAuto, "":
		if CanCreateOnDevShm(need) {
			return NewBacking(StrategyDevShm, DevShmDir)
		}
		if fileDir == "" {
			return nil, ErrPlatformUnsupported
		}
		if err := ensureDir(fileDir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlatformUnsupported, err)
		}
		return NewBacking(StrategyFile, fileDir)
	default:
		return nil, fmt.Errorf("unknown backing strategy %q", preferred)
	}
}

// CanCreateOnDevShm reports whether /dev/shm is a writable directory with at
// least size bytes free.
func CanCreateOnDevShm(size uint64) bool {
	info, err := os.Stat(DevShmDir)
	if err != nil || !info.IsDir() {
		return false
	}
	if unix.Access(DevShmDir, unix.W_OK) != nil {
		return false
	}
	stat, err := disk.Usage(DevShmDir)
	if err != nil {
		return false
	}
	return stat.Free >= size
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("file backing requires a directory")
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("create backing dir %s: %w", dir, err)
	}
	return nil
}

func (b *dirBacking) Strategy() Strategy { return b.strategy }

func (b *dirBacking) Dir() string { return b.dir }

func (b *dirBacking) path(name string) string {
	return filepath.Join(b.dir, FileName(name))
}

func (b *dirBacking) OpenOrCreate(_ context.Context, opts MapOptions) (*Object, error) {
	if opts.Name == "" {
		return nil, errors.New("empty object name")
	}
	p := b.path(opts.Name)
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("invalid object size %d", opts.Size)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(p, flags, 0o600)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: p, Err: err}
	}

	size := opts.Size
	if opts.Create {
		if opts.Global {
			// umask applies to open(2); widen explicitly.
			if err := unix.Fchmod(fd, 0o666); err != nil {
				_ = unix.Close(fd)
				_ = unix.Unlink(p)
				return nil, &os.PathError{Op: "chmod", Path: p, Err: err}
			}
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			_ = unix.Unlink(p)
			return nil, &os.PathError{Op: "ftruncate", Path: p, Err: err}
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, &os.PathError{Op: "fstat", Path: p, Err: err}
		}
		if size == 0 {
			size = int(st.Size)
		}
		if st.Size < int64(size) || size == 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("object %s too small: %d bytes, want %d", p, st.Size, size)
		}
	}
	return &Object{Path: p, Size: size, fd: fd}, nil
}

func (b *dirBacking) Map(obj *Object) (*MappedRegion, error) {
	mem, err := unix.Mmap(obj.fd, 0, obj.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(obj.fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: mem, Path: obj.Path, fd: obj.fd}, nil
}

func (b *dirBacking) Unmap(region *MappedRegion) error {
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if region.fd >= 0 {
		if err := unix.Close(region.fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		region.fd = -1
	}
	return errors.Join(errs...)
}

func (b *dirBacking) Remove(name string) error {
	p := b.path(name)
	if err := unix.Unlink(p); err != nil && !errors.Is(err, unix.ENOENT) {
		return &os.PathError{Op: "unlink", Path: p, Err: err}
	}
	return nil
}

func (b *dirBacking) ModTime(name string) (time.Time, error) {
	p := b.path(name)
	var st unix.Stat_t
	if err := unix.Stat(p, &st); err != nil {
		return time.Time{}, &os.PathError{Op: "stat", Path: p, Err: err}
	}
	return time.Unix(st.Mtim.Unix()), nil
}

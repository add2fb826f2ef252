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
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	internalshm "github.com/srediag/shm-cmdchan/internal/shm"
)

const (
	// DefaultCapacity is the reference region size in bytes.
	DefaultCapacity = 4096
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxCapacity is the largest region whose payload length fits the int32
	// prefix.
	MaxCapacity = math.MaxInt32
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds capacity-HeaderSize.
	ErrPayloadTooLarge = errors.New("payload too large for region")
	// ErrNoFrame is returned by ReadFrame when the length prefix is 0.
	ErrNoFrame = errors.New("no frame present")
	// ErrCorruptFrame is returned when the length prefix is out of range.
	ErrCorruptFrame = errors.New("corrupt frame length")
	// ErrPlatformUnsupported is returned when no backing strategy is available.
	ErrPlatformUnsupported = internalshm.ErrPlatformUnsupported
)

// Region is a fixed-capacity shared memory buffer holding at most one frame.
type Region struct {
	mem     []byte
	name    string
	mapping *internalshm.MappedRegion
	backing internalshm.Backing
	owner   bool
}

// OpenOptions defines options for creating or opening a region.
type OpenOptions struct {
	// Name is the derived region name.
	Name string
	// Size is the total region size in bytes, length prefix included.
	Size int
	// Create creates the region; the creator owns it and removes it on Close.
	Create bool
	// Global makes a created region accessible to every user.
	Global bool
}

// Open creates or opens a named region through backing.
func Open(ctx context.Context, backing internalshm.Backing, opts OpenOptions) (*Region, error) {
	if opts.Size <= HeaderSize || opts.Size > MaxCapacity {
		return nil, fmt.Errorf("invalid region size %d", opts.Size)
	}
	mapping, err := internalshm.MapRegion(ctx, backing, internalshm.MapOptions{
		Name:   opts.Name,
		Size:   opts.Size,
		Create: opts.Create,
		Global: opts.Global,
	})
	if err != nil {
		return nil, err
	}
	r := &Region{
		mem:     mapping.Addr[:opts.Size],
		name:    opts.Name,
		mapping: mapping,
		backing: backing,
		owner:   opts.Create,
	}
	if opts.Create {
		r.Clear()
	}
	return r, nil
}

// NewRegion wraps mem as a region. It is used for in-process regions and tests.
func NewRegion(mem []byte) (*Region, error) {
	if len(mem) <= HeaderSize || len(mem) > MaxCapacity {
		return nil, fmt.Errorf("invalid region size %d", len(mem))
	}
	return &Region{mem: mem}, nil
}

// Name returns the derived region name, empty for in-process regions.
func (r *Region) Name() string { return r.name }

// Capacity returns the total region size in bytes.
func (r *Region) Capacity() int { return len(r.mem) }

// MaxPayload returns the largest payload WriteFrame accepts.
func (r *Region) MaxPayload() int { return len(r.mem) - HeaderSize }

// Len returns the current length prefix.
func (r *Region) Len() int {
	return int(int32(binary.NativeEndian.Uint32(r.mem[:HeaderSize])))
}

// WriteFrame stores payload as the current frame. An oversize payload is
// rejected before the region is touched.
func (r *Region) WriteFrame(payload []byte) error {
	if len(payload) > r.MaxPayload() {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), r.MaxPayload())
	}
	copy(r.mem[HeaderSize:], payload)
	binary.NativeEndian.PutUint32(r.mem[:HeaderSize], uint32(int32(len(payload))))
	return nil
}

// ReadFrame returns a copy of the current frame payload.
func (r *Region) ReadFrame() ([]byte, error) {
	return r.AppendFrame(nil)
}

// AppendFrame appends the current frame payload to dst.
func (r *Region) AppendFrame(dst []byte) ([]byte, error) {
	n := r.Len()
	switch {
	case n == 0:
		return dst, ErrNoFrame
	case n < 0 || n > r.MaxPayload():
		return dst, fmt.Errorf("%w: %d", ErrCorruptFrame, n)
	}
	return append(dst, r.mem[HeaderSize:HeaderSize+n]...), nil
}

// Clear marks the frame as consumed.
func (r *Region) Clear() {
	binary.NativeEndian.PutUint32(r.mem[:HeaderSize], 0)
}

// Close unmaps the region. The creating side also removes its name.
func (r *Region) Close() error {
	if r.mapping == nil {
		return nil
	}
	var errs []error
	if r.owner {
		errs = append(errs, r.backing.Remove(r.name))
	}
	errs = append(errs, internalshm.UnmapRegion(r.backing, r.mapping))
	r.mapping = nil
	r.mem = nil
	return errors.Join(errs...)
}

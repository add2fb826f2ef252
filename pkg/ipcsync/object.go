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

// Package ipcsync provides named, cross-process synchronization handles: a
// mutual-exclusion lock and auto-reset or manual-reset events. Each handle is
// a small shared memory object created by one process and opened by name in
// others. Waits park on futex words inside the object.
package ipcsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/shm-cmdchan/internal/futex"
	internalshm "github.com/srediag/shm-cmdchan/internal/shm"
)

// Kind identifies the primitive stored in an object.
type Kind uint32

const (
	KindMutex       Kind = 0x5854554d // "MUTX"
	KindAutoEvent   Kind = 0x54564541 // "AEVT"
	KindManualEvent Kind = 0x5456454d // "MEVT"
)

func (k Kind) String() string {
	switch k {
	case KindMutex:
		return "mutex"
	case KindAutoEvent:
		return "auto-reset event"
	case KindManualEvent:
		return "manual-reset event"
	default:
		return fmt.Sprintf("Kind(%#x)", uint32(k))
	}
}

// ObjectSize is the size of every synchronization object.
const ObjectSize = 64

// object word offsets
const (
	offState   = 0
	offOwner   = 4
	offClosed  = 8
	offCreator = 12
	offKind    = 16
)

// DefaultPollInterval bounds each futex park so owner liveness, cancellation
// and deadlines are re-checked.
const DefaultPollInterval = 50 * time.Millisecond

var (
	// ErrAbandoned is returned by an acquisition that took over a lock whose
	// previous holder terminated while holding it. The caller holds the lock.
	ErrAbandoned = errors.New("lock abandoned by a terminated owner")
	// ErrClosed is returned once the creating side has disposed the object.
	ErrClosed = errors.New("synchronization object closed")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("wait timed out")
	// ErrKindMismatch is returned when a named object holds another primitive.
	ErrKindMismatch = errors.New("synchronization object kind mismatch")
	// ErrUninitialized is returned when a named object exists but its creator
	// has not yet written its header.
	ErrUninitialized = errors.New("synchronization object not initialized")
	// ErrNotOwner is returned when releasing a lock this process does not hold.
	ErrNotOwner = errors.New("lock not held by this process")
)

// Handle is the capability shared by every named synchronization primitive.
type Handle interface {
	// Name returns the derived object name.
	Name() string
	// Close releases this handle. The creating side also disposes the object,
	// waking every waiter with ErrClosed, and removes its name.
	Close() error
}

// Options tunes handle behavior.
type Options struct {
	// Global makes created objects accessible to every user.
	Global bool
	// PollInterval bounds each park; 0 means DefaultPollInterval.
	PollInterval time.Duration
	// Alive reports whether a process exists; nil uses gopsutil.
	Alive func(pid uint32) bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Alive == nil {
		o.Alive = ProcessAlive
	}
	return o
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid uint32) bool {
	if pid == 0 || pid > math.MaxInt32 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// unknown: assume alive so a lock is never stolen on a probe error
		return true
	}
	return ok
}

type object struct {
	name    string
	kind    Kind
	opts    Options
	backing internalshm.Backing
	mapping *internalshm.MappedRegion
	creator bool

	state    *uint32
	owner    *uint32
	closed   *uint32
	creatorW *uint32
	kindW    *uint32

	// mu is held shared by every operation touching the mapping and
	// exclusively by Close while it unmaps.
	mu        sync.RWMutex
	unmapped  bool
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func createObject(ctx context.Context, b internalshm.Backing, name string, kind Kind, opts Options) (*object, error) {
	mapping, err := internalshm.MapRegion(ctx, b, internalshm.MapOptions{
		Name:   name,
		Size:   ObjectSize,
		Create: true,
		Global: opts.Global,
	})
	if err != nil {
		return nil, err
	}
	o := newObject(b, mapping, name, kind, opts, true)
	atomic.StoreUint32(o.creatorW, uint32(os.Getpid()))
	atomic.StoreUint32(o.kindW, uint32(kind))
	return o, nil
}

func openObject(ctx context.Context, b internalshm.Backing, name string, kind Kind, opts Options) (*object, error) {
	mapping, err := internalshm.MapRegion(ctx, b, internalshm.MapOptions{Name: name, Size: ObjectSize})
	if err != nil {
		return nil, err
	}
	o := newObject(b, mapping, name, kind, opts, false)
	switch got := Kind(atomic.LoadUint32(o.kindW)); got {
	case kind:
	case 0:
		_ = internalshm.UnmapRegion(b, mapping)
		return nil, fmt.Errorf("%s: %w", name, ErrUninitialized)
	default:
		_ = internalshm.UnmapRegion(b, mapping)
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrKindMismatch, name, got, kind)
	}
	if atomic.LoadUint32(o.closed) != 0 {
		_ = internalshm.UnmapRegion(b, mapping)
		return nil, fmt.Errorf("%s: %w", name, ErrClosed)
	}
	return o, nil
}

func newObject(b internalshm.Backing, mapping *internalshm.MappedRegion, name string, kind Kind, opts Options, creator bool) *object {
	mem := mapping.Addr
	return &object{
		name:     name,
		kind:     kind,
		opts:     opts.withDefaults(),
		backing:  b,
		mapping:  mapping,
		creator:  creator,
		state:    internalshm.Uint32At(mem, offState),
		owner:    internalshm.Uint32At(mem, offOwner),
		closed:   internalshm.Uint32At(mem, offClosed),
		creatorW: internalshm.Uint32At(mem, offCreator),
		kindW:    internalshm.Uint32At(mem, offKind),
	}
}

func (o *object) Name() string { return o.name }

// CreatorPID returns the PID of the process that created the object.
func (o *object) CreatorPID() uint32 {
	if o.enter() != nil {
		return 0
	}
	defer o.leave()
	return atomic.LoadUint32(o.creatorW)
}

func (o *object) isClosed() bool {
	return o.closing.Load() || atomic.LoadUint32(o.closed) != 0
}

// enter pins the mapping for the duration of an operation.
func (o *object) enter() error {
	o.mu.RLock()
	if o.unmapped {
		o.mu.RUnlock()
		return fmt.Errorf("%s: %w", o.name, ErrClosed)
	}
	return nil
}

func (o *object) leave() { o.mu.RUnlock() }

// park blocks while *addr == val, for at most one poll interval or until the
// context deadline.
func (o *object) park(ctx context.Context, addr *uint32, val uint32) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	d := o.opts.PollInterval
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem <= 0 {
			return ctxErr(context.DeadlineExceeded)
		}
		if rem < d {
			d = rem
		}
	}
	if err := futex.WaitTimeout(addr, val, d); err != nil && !errors.Is(err, futex.ErrTimeout) {
		return err
	}
	return nil
}

// ownerDead takes over the object from a terminated owner. It reports true
// when this process became the owner.
func (o *object) ownerDead(me uint32) bool {
	owner := atomic.LoadUint32(o.owner)
	if owner == 0 || owner == me || o.opts.Alive(owner) {
		return false
	}
	return atomic.CompareAndSwapUint32(o.owner, owner, me)
}

func (o *object) dispose() {
	atomic.StoreUint32(o.closed, 1)
	_, _ = futex.Wake(o.state, math.MaxInt32)
}

func (o *object) Close() error {
	o.closeOnce.Do(func() {
		var errs []error
		o.closing.Store(true)
		if o.creator {
			o.dispose()
			errs = append(errs, o.backing.Remove(o.name))
		} else {
			_, _ = futex.Wake(o.state, math.MaxInt32)
		}
		o.mu.Lock()
		o.unmapped = true
		errs = append(errs, internalshm.UnmapRegion(o.backing, o.mapping))
		o.mu.Unlock()
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}

func ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func pid() uint32 { return uint32(os.Getpid()) }

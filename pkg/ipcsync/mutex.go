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

package ipcsync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/srediag/shm-cmdchan/internal/futex"
	internalshm "github.com/srediag/shm-cmdchan/internal/shm"
)

// lock states
const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

// Mutex is a named, process-shared mutual-exclusion lock. It records the PID
// of its holder so a lock left behind by a terminated process is detected.
//
// All goroutines of one process share that process's ownership: the lock
// excludes goroutines from each other, but a holder's death is detected per
// process.
type Mutex struct {
	*object
}

var _ Handle = (*Mutex)(nil)

// CreateMutex creates a named lock in the unlocked state.
func CreateMutex(ctx context.Context, b internalshm.Backing, name string, opts Options) (*Mutex, error) {
	o, err := createObject(ctx, b, name, KindMutex, opts)
	if err != nil {
		return nil, err
	}
	return &Mutex{o}, nil
}

// OpenMutex opens an existing named lock.
func OpenMutex(ctx context.Context, b internalshm.Backing, name string, opts Options) (*Mutex, error) {
	o, err := openObject(ctx, b, name, KindMutex, opts)
	if err != nil {
		return nil, err
	}
	return &Mutex{o}, nil
}

// Lock acquires the lock, blocking until it is free, ctx is done or the
// object is closed. If the previous holder terminated without unlocking, Lock
// takes the lock over and returns ErrAbandoned; the caller then holds the
// lock and must still Unlock it.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	me := pid()
	if atomic.CompareAndSwapUint32(m.state, unlocked, locked) {
		atomic.StoreUint32(m.owner, me)
		return nil
	}
	for {
		if m.isClosed() {
			return fmt.Errorf("%s: %w", m.name, ErrClosed)
		}
		if atomic.SwapUint32(m.state, contended) == unlocked {
			atomic.StoreUint32(m.owner, me)
			return nil
		}
		if m.ownerDead(me) {
			atomic.StoreUint32(m.state, contended)
			return fmt.Errorf("%s: %w", m.name, ErrAbandoned)
		}
		if err := m.park(ctx, m.state, contended); err != nil {
			return fmt.Errorf("lock %s: %w", m.name, err)
		}
	}
}

// TryLock acquires the lock only if it is free.
func (m *Mutex) TryLock() (bool, error) {
	if err := m.enter(); err != nil {
		return false, err
	}
	defer m.leave()
	if m.isClosed() {
		return false, fmt.Errorf("%s: %w", m.name, ErrClosed)
	}
	if atomic.CompareAndSwapUint32(m.state, unlocked, locked) {
		atomic.StoreUint32(m.owner, pid())
		return true, nil
	}
	return false, nil
}

// Unlock releases the lock and wakes one waiter if any are parked.
func (m *Mutex) Unlock() error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	if atomic.LoadUint32(m.owner) != pid() {
		return fmt.Errorf("unlock %s: %w", m.name, ErrNotOwner)
	}
	atomic.StoreUint32(m.owner, 0)
	if atomic.SwapUint32(m.state, unlocked) == contended {
		if _, err := futex.Wake(m.state, 1); err != nil {
			return fmt.Errorf("unlock %s: %w", m.name, err)
		}
	}
	return nil
}

// Locked reports whether the lock is currently held by any process.
func (m *Mutex) Locked() bool {
	if m.enter() != nil {
		return false
	}
	defer m.leave()
	return atomic.LoadUint32(m.state) != unlocked
}

// Holder returns the PID recorded as the current holder, 0 if none.
func (m *Mutex) Holder() uint32 {
	if m.enter() != nil {
		return 0
	}
	defer m.leave()
	return atomic.LoadUint32(m.owner)
}

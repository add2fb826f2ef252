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
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/srediag/shm-cmdchan/internal/futex"
	internalshm "github.com/srediag/shm-cmdchan/internal/shm"
)

// ResetMode selects how a signaled event re-arms.
type ResetMode int

const (
	// AutoReset events release exactly one waiter and re-arm themselves.
	AutoReset ResetMode = iota
	// ManualReset events stay signaled until Reset.
	ManualReset
)

func (m ResetMode) kind() Kind {
	if m == ManualReset {
		return KindManualEvent
	}
	return KindAutoEvent
}

func (m ResetMode) String() string {
	if m == ManualReset {
		return "manual-reset"
	}
	return "auto-reset"
}

// ErrWrongMode is returned by operations that only apply to one reset mode.
var ErrWrongMode = errors.New("operation not supported by this event's reset mode")

// Event is a named, process-shared signaling event. It starts unsignaled.
type Event struct {
	*object
	mode ResetMode
}

var _ Handle = (*Event)(nil)

// CreateEvent creates a named event in the unsignaled state.
func CreateEvent(ctx context.Context, b internalshm.Backing, name string, mode ResetMode, opts Options) (*Event, error) {
	o, err := createObject(ctx, b, name, mode.kind(), opts)
	if err != nil {
		return nil, err
	}
	return &Event{object: o, mode: mode}, nil
}

// OpenEvent opens an existing named event.
func OpenEvent(ctx context.Context, b internalshm.Backing, name string, mode ResetMode, opts Options) (*Event, error) {
	o, err := openObject(ctx, b, name, mode.kind(), opts)
	if err != nil {
		return nil, err
	}
	return &Event{object: o, mode: mode}, nil
}

// Mode returns the event's reset mode.
func (e *Event) Mode() ResetMode { return e.mode }

// Set signals the event. An auto-reset event wakes one waiter, a
// manual-reset event wakes all of them.
func (e *Event) Set() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	atomic.StoreUint32(e.state, 1)
	return e.wake()
}

// Reset clears the event. For a manual-reset event, waiters in WaitClear wake.
func (e *Event) Reset() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	atomic.StoreUint32(e.state, 0)
	if e.mode == ManualReset {
		return e.wake()
	}
	return nil
}

// IsSet reports whether the event is currently signaled.
func (e *Event) IsSet() bool {
	if e.enter() != nil {
		return false
	}
	defer e.leave()
	return atomic.LoadUint32(e.state) != 0
}

// Wait blocks until the event is signaled. An auto-reset event is consumed
// by the waiter it releases.
func (e *Event) Wait(ctx context.Context) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	for {
		if e.mode == AutoReset {
			if atomic.CompareAndSwapUint32(e.state, 1, 0) {
				return nil
			}
		} else if atomic.LoadUint32(e.state) == 1 {
			return nil
		}
		if e.isClosed() {
			return fmt.Errorf("%s: %w", e.name, ErrClosed)
		}
		if err := e.park(ctx, e.state, 0); err != nil {
			return fmt.Errorf("wait %s: %w", e.name, err)
		}
	}
}

// WaitClear blocks until a manual-reset event is unsignaled.
func (e *Event) WaitClear(ctx context.Context) error {
	if e.mode != ManualReset {
		return fmt.Errorf("wait clear %s: %w", e.name, ErrWrongMode)
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	for {
		if atomic.LoadUint32(e.state) == 0 {
			return nil
		}
		if e.isClosed() {
			return fmt.Errorf("%s: %w", e.name, ErrClosed)
		}
		if err := e.park(ctx, e.state, 1); err != nil {
			return fmt.Errorf("wait clear %s: %w", e.name, err)
		}
	}
}

// Claim waits for a manual-reset event to be clear and sets it in one atomic
// step, recording this process as the claimant. It turns the event into a
// gate that at most one party holds. If the previous claimant terminated
// without releasing, Claim takes the gate over and returns ErrAbandoned; the
// caller then holds the gate.
func (e *Event) Claim(ctx context.Context) error {
	if e.mode != ManualReset {
		return fmt.Errorf("claim %s: %w", e.name, ErrWrongMode)
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	me := pid()
	for {
		if e.isClosed() {
			return fmt.Errorf("%s: %w", e.name, ErrClosed)
		}
		if atomic.CompareAndSwapUint32(e.state, 0, 1) {
			atomic.StoreUint32(e.owner, me)
			return nil
		}
		if e.ownerDead(me) {
			atomic.StoreUint32(e.state, 1)
			return fmt.Errorf("%s: %w", e.name, ErrAbandoned)
		}
		if err := e.park(ctx, e.state, 1); err != nil {
			return fmt.Errorf("claim %s: %w", e.name, err)
		}
	}
}

// Release clears a gate taken with Claim.
func (e *Event) Release() error {
	if e.mode != ManualReset {
		return fmt.Errorf("release %s: %w", e.name, ErrWrongMode)
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	atomic.StoreUint32(e.owner, 0)
	atomic.StoreUint32(e.state, 0)
	return e.wake()
}

func (e *Event) wake() error {
	n := 1
	if e.mode == ManualReset {
		n = math.MaxInt32
	}
	if _, err := futex.Wake(e.state, n); err != nil {
		return fmt.Errorf("signal %s: %w", e.name, err)
	}
	return nil
}

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

	internalshm "github.com/srediag/shm-cmdchan/internal/shm"
	"github.com/srediag/shm-cmdchan/pkg/naming"
)

// Set is the synchronization primitive set of one channel: the region lock,
// the command-posted and response-posted auto-reset events and the busy-gate
// manual-reset event.
type Set struct {
	Lock     *Mutex
	Command  *Event
	Response *Event
	Busy     *Event
}

type opener func(ctx context.Context) (Handle, error)

// CreateSet creates every primitive of names. On failure the primitives
// created so far are disposed.
func CreateSet(ctx context.Context, b internalshm.Backing, names naming.Names, opts Options) (*Set, error) {
	s := &Set{}
	err := s.build(ctx, []opener{
		func(ctx context.Context) (Handle, error) {
			m, err := CreateMutex(ctx, b, names.Mutex, opts)
			s.Lock = m
			return m, err
		},
		func(ctx context.Context) (Handle, error) {
			e, err := CreateEvent(ctx, b, names.Command, AutoReset, opts)
			s.Command = e
			return e, err
		},
		func(ctx context.Context) (Handle, error) {
			e, err := CreateEvent(ctx, b, names.Response, AutoReset, opts)
			s.Response = e
			return e, err
		},
		func(ctx context.Context) (Handle, error) {
			e, err := CreateEvent(ctx, b, names.Busy, ManualReset, opts)
			s.Busy = e
			return e, err
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSet opens every primitive of names. It either opens all four or none.
func OpenSet(ctx context.Context, b internalshm.Backing, names naming.Names, opts Options) (*Set, error) {
	s := &Set{}
	err := s.build(ctx, []opener{
		func(ctx context.Context) (Handle, error) {
			m, err := OpenMutex(ctx, b, names.Mutex, opts)
			s.Lock = m
			return m, err
		},
		func(ctx context.Context) (Handle, error) {
			e, err := OpenEvent(ctx, b, names.Command, AutoReset, opts)
			s.Command = e
			return e, err
		},
		func(ctx context.Context) (Handle, error) {
			e, err := OpenEvent(ctx, b, names.Response, AutoReset, opts)
			s.Response = e
			return e, err
		},
		func(ctx context.Context) (Handle, error) {
			e, err := OpenEvent(ctx, b, names.Busy, ManualReset, opts)
			s.Busy = e
			return e, err
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Set) build(ctx context.Context, steps []opener) error {
	var opened []Handle
	for _, step := range steps {
		h, err := step(ctx)
		if err != nil {
			for i := len(opened) - 1; i >= 0; i-- {
				_ = opened[i].Close()
			}
			return err
		}
		opened = append(opened, h)
	}
	return nil
}

// Handles returns the primitives in creation order.
func (s *Set) Handles() []Handle {
	return []Handle{s.Lock, s.Command, s.Response, s.Busy}
}

// Close releases every handle, disposing them on the creating side.
func (s *Set) Close() error {
	var errs []error
	for _, h := range s.Handles() {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

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

package cmdchan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shm-cmdchan/api"
	"github.com/srediag/shm-cmdchan/pkg/naming"
)

// Registry owns the servers of one process. Servers are started on a bounded
// goroutine pool and closed in start order by Close.
type Registry struct {
	conf   *Config
	pool   *ants.Pool
	logger *logger

	mu      sync.Mutex
	servers []*Server
	index   cmap.ConcurrentMap[string, *Server]
	closed  bool
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ api.Health = (*Registry)(nil)

// NewRegistry returns an empty registry running at most conf.MaxServers
// server loops. conf may be nil.
func NewRegistry(conf *Config) (*Registry, error) {
	conf, err := conf.orDefault()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		conf:   conf,
		logger: newLogger("registry", conf.LogOutput),
		index:  cmap.New[*Server](),
	}
	r.pool, err = ants.NewPool(conf.MaxServers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			r.logger.errorf("server loop panic: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create server pool: %w", err)
	}
	return r, nil
}

// Start creates a server for name and runs its loop.
func (r *Registry) Start(ctx context.Context, name string, handler HandlerFunc) (*Server, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	return r.StartContext(ctx, name, handler.contextHandler())
}

// StartContext is Start for a ContextHandler.
func (r *Registry) StartContext(ctx context.Context, name string, handler ContextHandler) (*Server, error) {
	names, err := naming.Derive(name, r.conf.Global)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("registry: %w", ErrClosed)
	}
	if r.index.Has(names.Base) {
		return nil, fmt.Errorf("%w: %s", ErrServerExists, names.Base)
	}

	s, err := NewContextServer(ctx, name, handler, r.conf)
	if err != nil {
		return nil, err
	}
	r.wg.Add(1)
	err = r.pool.Submit(func() {
		defer r.wg.Done()
		if err := s.Serve(context.Background()); err != nil {
			r.logger.errorf("server %s stopped: %v", names.Base, err)
		}
	})
	if err != nil {
		r.wg.Done()
		_ = s.Close()
		return nil, fmt.Errorf("start %s: %w", names.Base, err)
	}
	r.servers = append(r.servers, s)
	r.index.Set(names.Base, s)
	r.logger.infof("started %s", names.Base)
	return s, nil
}

// Get returns the running server for name.
func (r *Registry) Get(name string) (*Server, bool) {
	names, err := naming.Derive(name, r.conf.Global)
	if err != nil {
		return nil, false
	}
	return r.index.Get(names.Base)
}

// Servers returns the running servers in start order.
func (r *Registry) Servers() []*Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Server(nil), r.servers...)
}

// Len returns the number of running servers.
func (r *Registry) Len() int { return r.index.Count() }

// Alive returns nil when every server loop runs.
func (r *Registry) Alive() error {
	var errs []error
	for _, s := range r.Servers() {
		errs = append(errs, s.Alive())
	}
	return errors.Join(errs...)
}

// Close closes every server in start order, waits for their loops and frees
// the pool. It runs once; later calls return the first result.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		servers := r.servers
		r.servers = nil
		r.mu.Unlock()

		var errs []error
		for _, s := range servers {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Names().Base, err))
			}
			r.index.Remove(s.Names().Base)
		}
		r.wg.Wait()
		r.pool.Release()
		r.logger.infof("closed %d servers", len(servers))
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

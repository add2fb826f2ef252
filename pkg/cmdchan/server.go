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
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shm-cmdchan/api"
	internalshm "github.com/srediag/shm-cmdchan/internal/shm"
	"github.com/srediag/shm-cmdchan/pkg/ipcsync"
	"github.com/srediag/shm-cmdchan/pkg/naming"
	"github.com/srediag/shm-cmdchan/pkg/shm"
)

// HandlerFunc maps one command to one response. It runs on the server loop
// goroutine, one command at a time.
type HandlerFunc func(command string) string

// ContextHandler is a HandlerFunc that may fail. A returned error is framed as
// ErrorResponsePrefix followed by the message; ErrNoResult is framed as
// NoResultResponse.
type ContextHandler func(ctx context.Context, command string) (string, error)

func (f HandlerFunc) contextHandler() ContextHandler {
	return func(_ context.Context, command string) (string, error) {
		return f(command), nil
	}
}

var errAlreadyServing = errors.New("server loop already running")

// creationGrace is how long an object without a header is taken to belong to
// a server still starting up.
var creationGrace = 2 * time.Second

// Server owns one named channel: it creates the region and the primitive set
// and runs the loop that answers commands.
type Server struct {
	conf    *Config
	names   naming.Names
	backing internalshm.Backing
	region  *shm.Region
	set     *ipcsync.Set
	handler ContextHandler
	logger  *logger
	metrics *metrics

	state   atomic.Int32
	serving atomic.Bool
	done    chan struct{}

	lifetime  context.Context
	shutdown  context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

var (
	_ api.Lifecycle = (*Server)(nil)
	_ api.Health    = (*Server)(nil)
)

// NewServer creates the channel objects for name and returns a server ready
// to Serve. conf may be nil.
func NewServer(ctx context.Context, name string, handler HandlerFunc, conf *Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	return NewContextServer(ctx, name, handler.contextHandler(), conf)
}

// NewContextServer is NewServer for a ContextHandler.
func NewContextServer(ctx context.Context, name string, handler ContextHandler, conf *Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	conf, err := conf.orDefault()
	if err != nil {
		return nil, err
	}
	names, err := naming.Derive(name, conf.Global)
	if err != nil {
		return nil, err
	}
	backing, err := conf.probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("select backing: %w", err)
	}

	s := &Server{
		conf:    conf,
		names:   names,
		backing: backing,
		handler: handler,
		logger:  newLogger("server "+names.Base, conf.LogOutput),
		metrics: newMetrics(conf),
		done:    make(chan struct{}),
	}
	s.lifetime, s.shutdown = context.WithCancel(context.Background())

	if err := s.create(ctx); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if !conf.ReclaimStale || !s.stale(ctx) {
			return nil, fmt.Errorf("%w: %s", ErrServerExists, names.Base)
		}
		s.logger.warnf("reclaiming objects left by a terminated server")
		conf.emit("cmdchan: reclaimed stale objects of %s", names.Base)
		for _, obj := range names.Objects() {
			if err := backing.Remove(obj); err != nil {
				return nil, fmt.Errorf("reclaim %s: %w", obj, err)
			}
		}
		if err := s.create(ctx); err != nil {
			return nil, err
		}
	}
	s.logger.infof("created on %s backing in %s", backing.Strategy(), backing.Dir())
	return s, nil
}

// create makes the primitive set first and the region last, so a client that
// finds the region finds every primitive.
func (s *Server) create(ctx context.Context) error {
	set, err := ipcsync.CreateSet(ctx, s.backing, s.names, s.conf.syncOptions())
	if err != nil {
		return err
	}
	region, err := shm.Open(ctx, s.backing, shm.OpenOptions{
		Name:   s.names.Region,
		Size:   s.conf.RegionCapacity,
		Create: true,
		Global: s.conf.Global,
	})
	if err != nil {
		_ = set.Close()
		return err
	}
	s.set, s.region = set, region
	return nil
}

// stale reports whether the objects under this name belong to a server that
// no longer runs.
func (s *Server) stale(ctx context.Context) bool {
	m, err := ipcsync.OpenMutex(ctx, s.backing, s.names.Mutex, s.conf.syncOptions())
	switch {
	case errors.Is(err, ipcsync.ErrUninitialized):
		// a creator may still be writing the header
		mt, merr := s.backing.ModTime(s.names.Mutex)
		if merr != nil {
			return errors.Is(merr, fs.ErrNotExist)
		}
		return time.Since(mt) > creationGrace
	case err != nil:
		return errors.Is(err, fs.ErrNotExist) || errors.Is(err, ipcsync.ErrClosed) ||
			errors.Is(err, ipcsync.ErrKindMismatch)
	}
	defer m.Close()
	creator := m.CreatorPID()
	if creator == 0 {
		return false
	}
	alive := s.conf.alive
	if alive == nil {
		alive = ipcsync.ProcessAlive
	}
	return !alive(creator)
}

// Names returns the derived object names.
func (s *Server) Names() naming.Names { return s.names }

// Backing returns the backing strategy in use.
func (s *Server) Backing() string { return string(s.backing.Strategy()) }

// State returns the server's position in the exchange protocol.
func (s *Server) State() State {
	if s.lifetime.Err() != nil {
		return StateClosed
	}
	return State(s.state.Load())
}

func (s *Server) setState(st State) { s.state.Store(int32(st)) }

// Alive returns nil while the server loop runs.
func (s *Server) Alive() error {
	if s.lifetime.Err() != nil {
		return fmt.Errorf("server %s: %w", s.names.Base, ErrClosed)
	}
	if !s.serving.Load() {
		return fmt.Errorf("server %s: loop not started", s.names.Base)
	}
	select {
	case <-s.done:
		return fmt.Errorf("server %s: loop exited", s.names.Base)
	default:
		return nil
	}
}

// Serve runs the server loop until Close or until ctx is done. It returns nil
// when the server was closed.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errAlreadyServing
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.lifetime, cancel)
	defer stop()

	s.logger.debugf("serving")
	for {
		s.setState(StateIdle)
		if err := s.set.Command.Wait(ctx); err != nil {
			if s.closed(err) {
				return nil
			}
			return err
		}
		s.setState(StateCommandPosted)
		if err := s.exchange(ctx); err != nil {
			if s.closed(err) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.errorf("exchange failed: %v", err)
		}
	}
}

func (s *Server) closed(err error) bool {
	return s.lifetime.Err() != nil || errors.Is(err, ipcsync.ErrClosed)
}

// exchange answers the posted command. The lock is held from reading the
// command until the response is signaled.
func (s *Server) exchange(ctx context.Context) (err error) {
	ctx, span := s.metrics.tracer.Start(ctx, "cmdchan.serve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("cmdchan.server", s.names.Base)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.set.Lock.Lock(ctx); err != nil {
		if !errors.Is(err, ipcsync.ErrAbandoned) {
			return err
		}
		s.region.Clear()
		s.metrics.peerCrash(roleServer)
		s.logger.warnf("lock abandoned by a terminated client, region cleared")
		s.conf.emit("cmdchan: %s lock abandoned, region cleared", s.names.Base)
	}
	defer func() {
		if uerr := s.set.Lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var frameErr error
	buf.B, frameErr = s.region.AppendFrame(buf.B[:0])
	s.region.Clear()
	switch {
	case errors.Is(frameErr, shm.ErrNoFrame):
		s.logger.debugf("spurious wake")
		span.SetAttributes(attribute.Bool("cmdchan.spurious", true))
		return s.post()
	case frameErr != nil:
		s.logger.warnf("dropping command: %v", frameErr)
		s.writeResponse(ctx, buf, errorResponse(frameErr), resultError)
		return s.post()
	}

	s.setState(StateProcessing)
	command := string(buf.B)
	resp, herr := s.invoke(ctx, command)
	if s.lifetime.Err() != nil {
		return fmt.Errorf("server %s: %w", s.names.Base, ErrClosed)
	}
	result := resultOK
	if herr != nil {
		s.logger.warnf("%v", herr)
		resp = errorResponse(errors.Unwrap(herr))
		result = resultHandlerFault
	}
	s.writeResponse(ctx, buf, resp, result)
	return s.post()
}

func (s *Server) writeResponse(ctx context.Context, buf *bytebufferpool.ByteBuffer, resp, result string) {
	buf.Reset()
	_, _ = buf.WriteString(resp)
	if err := s.region.WriteFrame(buf.B); err != nil {
		s.logger.warnf("response of %d bytes replaced: %v", buf.Len(), err)
		_ = s.region.WriteFrame([]byte(errorResponse(shm.ErrPayloadTooLarge)))
		result = resultTooLarge
	}
	s.metrics.exchange(ctx, roleServer, result)
}

// post drains surplus command signals and signals the response. The caller
// holds the lock.
func (s *Server) post() error {
	if err := s.set.Command.Reset(); err != nil {
		return err
	}
	if err := s.set.Response.Set(); err != nil {
		return err
	}
	s.setState(StateResponsePosted)
	return nil
}

func (s *Server) invoke(ctx context.Context, command string) (resp string, err error) {
	defer s.metrics.handlerDone(time.Now())
	defer func() {
		if r := recover(); r != nil {
			resp, err = "", &HandlerFault{Command: command, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	resp, err = s.handler(ctx, command)
	switch {
	case errors.Is(err, ErrNoResult):
		return NoResultResponse, nil
	case err != nil:
		return "", &HandlerFault{Command: command, Cause: err}
	}
	return resp, nil
}

// Close stops the loop and disposes every object exactly once. Blocked waits
// in any process return ErrClosed.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		s.shutdown()
		if err := s.set.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.serving.Load() {
			<-s.done
		}
		if err := s.region.Close(); err != nil {
			errs = append(errs, err)
		}
		s.setState(StateClosed)
		s.logger.infof("closed")
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

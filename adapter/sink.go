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

// Package adapter connects channel endpoints to external systems: diagnostic
// log destinations, health endpoints and OpenTelemetry.
package adapter

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shm-cmdchan/api"
)

// DefaultSinkQueueSize is the number of lines an AsyncSink buffers.
const DefaultSinkQueueSize = 1024

// AsyncSinkConfig configures an AsyncSink.
type AsyncSinkConfig struct {
	// QueueSize is rounded up to a power of two by the ring buffer.
	QueueSize uint64 `env:"CMDCHAN_SINK_QUEUE_SIZE"`
	// Output receives one line per emitted diagnostic.
	Output io.Writer
}

// AsyncSink is a fire-and-forget DiagnosticSink. Lines are queued in a ring
// buffer and written by a single goroutine; when the queue is full the line is
// dropped and counted.
type AsyncSink struct {
	rb      *queue.RingBuffer
	out     io.Writer
	dropped atomic.Uint64
	written atomic.Uint64
	done    chan struct{}

	closeOnce sync.Once
}

var _ api.DiagnosticSink = (*AsyncSink)(nil)

type flushMarker struct{}

// NewAsyncSink starts a sink writing to conf.Output.
func NewAsyncSink(conf AsyncSinkConfig) *AsyncSink {
	if conf.QueueSize == 0 {
		conf.QueueSize = DefaultSinkQueueSize
	}
	if conf.Output == nil {
		conf.Output = io.Discard
	}
	s := &AsyncSink{
		rb:   queue.NewRingBuffer(conf.QueueSize),
		out:  conf.Output,
		done: make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit queues line without blocking.
func (s *AsyncSink) Emit(line string) {
	ok, err := s.rb.Offer(line)
	if err != nil || !ok {
		s.dropped.Add(1)
	}
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for {
		item, err := s.rb.Get()
		if err != nil {
			return
		}
		line, ok := item.(string)
		if !ok {
			return
		}
		if _, err := fmt.Fprintln(s.out, line); err != nil {
			s.dropped.Add(1)
			continue
		}
		s.written.Add(1)
	}
}

// Dropped returns the number of lines lost to a full queue or a failed write.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Written returns the number of lines written.
func (s *AsyncSink) Written() uint64 { return s.written.Load() }

// Close writes the lines queued so far and stops the sink. Later Emits are
// dropped.
func (s *AsyncSink) Close() error {
	s.closeOnce.Do(func() {
		if err := s.rb.Put(flushMarker{}); err == nil {
			<-s.done
		}
		s.rb.Dispose()
	})
	return nil
}

// WriterSink writes every line synchronously to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ api.DiagnosticSink = (*WriterSink)(nil)

// NewWriterSink returns a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit writes line followed by a newline. Write errors are ignored.
func (s *WriterSink) Emit(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, line)
}

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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shm-cmdchan/api"
	"github.com/srediag/shm-cmdchan/pkg/ipcsync"
	"github.com/srediag/shm-cmdchan/pkg/naming"
	"github.com/srediag/shm-cmdchan/pkg/shm"
)

// serverWatchInterval is how often a client blocked on a response checks that
// the server process still exists.
const serverWatchInterval = 500 * time.Millisecond

// Client sends commands to one named server. It is safe for concurrent use;
// concurrent calls are serialized by the busy gate.
type Client struct {
	conf    *Config
	names   naming.Names
	region  *shm.Region
	set     *ipcsync.Set
	err     error
	logger  *logger
	metrics *metrics

	// mu is held shared by every Send and exclusively by Close.
	mu        sync.RWMutex
	lifetime  context.Context
	shutdown  context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

var (
	_ api.Transport = (*Client)(nil)
	_ api.Health    = (*Client)(nil)
)

// NewClient resolves the server called name. It never fails: a server that
// cannot be found yields a client that is not Ready, whose Err reports why
// and whose Send returns ErrNotConnected without touching any object.
func NewClient(ctx context.Context, name string, conf *Config) *Client {
	c := &Client{}
	c.lifetime, c.shutdown = context.WithCancel(context.Background())
	conf, err := conf.orDefault()
	if err != nil {
		c.conf, c.err = DefaultConfig(), err
		c.logger = newLogger("client", c.conf.LogOutput)
		c.metrics = newMetrics(c.conf)
		return c
	}
	c.conf = conf
	c.metrics = newMetrics(conf)
	c.err = c.connect(ctx, name)
	c.logger = newLogger("client "+c.names.Base, conf.LogOutput)
	if c.err != nil {
		c.logger.debugf("not connected: %v", c.err)
	}
	return c
}

// Dial is NewClient for callers that want discovery failures as errors.
func Dial(ctx context.Context, name string, conf *Config) (*Client, error) {
	c := NewClient(ctx, name, conf)
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

// DialRetry keeps dialing with exponential backoff while the server does not
// exist yet. It gives up when ctx is done or, for a ctx without deadline,
// after Config.DialRetryTimeout.
func DialRetry(ctx context.Context, name string, conf *Config) (*Client, error) {
	conf, err := conf.orDefault()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && conf.DialRetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.DialRetryTimeout)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = conf.PollInterval
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	var (
		client  *Client
		lastErr error
	)
	operation := func() error {
		c, err := Dial(ctx, name, conf)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrNoSuchServer) {
				return err
			}
			return backoff.Permanent(err)
		}
		client = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		internalLogger.debugf("dial %s: %v, retrying in %s", name, err, next)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			return nil, fmt.Errorf("%w: %w", lastErr, err)
		}
		return nil, err
	}
	return client, nil
}

func (c *Client) connect(ctx context.Context, name string) error {
	names, err := naming.Derive(name, c.conf.Global)
	if err != nil {
		return err
	}
	c.names = names
	backing, err := c.conf.probe(ctx)
	if err != nil {
		return fmt.Errorf("select backing: %w", err)
	}
	set, err := ipcsync.OpenSet(ctx, backing, names, c.conf.syncOptions())
	if err != nil {
		return discoveryError(names, err)
	}
	region, err := shm.Open(ctx, backing, shm.OpenOptions{
		Name: names.Region,
		Size: c.conf.RegionCapacity,
	})
	if err != nil {
		_ = set.Close()
		return discoveryError(names, err)
	}
	c.set, c.region = set, region
	return nil
}

func discoveryError(names naming.Names, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ipcsync.ErrClosed) ||
		errors.Is(err, ipcsync.ErrKindMismatch) || errors.Is(err, ipcsync.ErrUninitialized) {
		return fmt.Errorf("%w: %s: %w", ErrNoSuchServer, names.Base, err)
	}
	return err
}

// Names returns the derived object names, zero if the name was invalid.
func (c *Client) Names() naming.Names { return c.names }

// Err returns the discovery error, nil for a ready client.
func (c *Client) Err() error { return c.err }

// Ready reports whether the server was discovered and the client is open.
func (c *Client) Ready() bool {
	return c.err == nil && c.lifetime.Err() == nil
}

// Alive returns nil while the client is connected.
func (c *Client) Alive() error {
	if c.err != nil {
		return c.err
	}
	if c.lifetime.Err() != nil {
		return ErrClosed
	}
	return nil
}

// SendString sends command and returns the response, or the text of the
// failure: NotConnectedResponse for a client that is not ready, otherwise
// ErrorResponsePrefix followed by the error message.
func (c *Client) SendString(command string) string {
	if !c.Ready() {
		return NotConnectedResponse
	}
	resp, err := c.Send(context.Background(), command)
	if err != nil {
		return errorResponse(err)
	}
	return resp
}

// Send posts command and blocks until the server responds. Waits are bounded
// by ctx, or by Config.CallTimeout when ctx has no deadline.
func (c *Client) Send(ctx context.Context, command string) (resp string, err error) {
	if !c.Ready() {
		err = ErrClosed
		if c.err != nil {
			err = fmt.Errorf("%w: %w", ErrNotConnected, c.err)
		}
		c.metrics.exchange(ctx, roleClient, resultOf(err))
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lifetime.Err() != nil {
		return "", ErrClosed
	}

	ctx, span := c.metrics.tracer.Start(ctx, "cmdchan.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cmdchan.server", c.names.Base),
			attribute.Int("cmdchan.command.size", len(command)),
		))
	defer func() {
		c.metrics.exchange(ctx, roleClient, resultOf(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(command) > c.region.MaxPayload() {
		return "", fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(command), c.region.MaxPayload())
	}
	if _, ok := ctx.Deadline(); !ok && c.conf.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.CallTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	return c.exchange(ctx, command)
}

func (c *Client) exchange(ctx context.Context, command string) (string, error) {
	if err := c.set.Busy.Claim(ctx); err != nil {
		if !errors.Is(err, ipcsync.ErrAbandoned) {
			return "", c.closedOr(err)
		}
		c.metrics.peerCrash(roleClient)
		c.logger.warnf("busy gate abandoned by a terminated client")
		c.conf.emit("cmdchan: %s busy gate abandoned", c.names.Base)
	}
	defer func() {
		if err := c.set.Busy.Release(); err != nil {
			c.logger.errorf("release busy gate: %v", err)
		}
	}()

	if err := c.post(ctx, command); err != nil {
		return "", c.closedOr(err)
	}
	if err := c.set.Command.Set(); err != nil {
		return "", c.closedOr(err)
	}
	if err := c.awaitResponse(ctx); err != nil {
		return "", c.closedOr(err)
	}
	resp, err := c.collect(ctx)
	if err != nil {
		return "", c.closedOr(err)
	}
	return resp, nil
}

// lock acquires the channel lock. A lock abandoned by a terminated holder is
// cleaned up and reported as ErrPeerCrashed.
func (c *Client) lock(ctx context.Context) error {
	err := c.set.Lock.Lock(ctx)
	if err == nil || !errors.Is(err, ipcsync.ErrAbandoned) {
		return err
	}
	c.region.Clear()
	if uerr := c.set.Lock.Unlock(); uerr != nil {
		c.logger.errorf("unlock after takeover: %v", uerr)
	}
	c.metrics.peerCrash(roleClient)
	c.logger.warnf("channel lock abandoned by a terminated process, region cleared")
	c.conf.emit("cmdchan: %s lock abandoned, region cleared", c.names.Base)
	return peerCrashed(err)
}

// post writes command under the lock, draining stale response signals first.
func (c *Client) post(ctx context.Context, command string) (err error) {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := c.set.Lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	if err := c.set.Response.Reset(); err != nil {
		return err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString(command)
	return c.region.WriteFrame(buf.B)
}

// awaitResponse waits for the response signal, giving up when the server
// process is gone.
func (c *Client) awaitResponse(ctx context.Context) error {
	for {
		wctx, cancel := context.WithTimeout(ctx, serverWatchInterval)
		err := c.set.Response.Wait(wctx)
		cancel()
		if err == nil || ctx.Err() != nil || !errors.Is(err, ErrTimeout) {
			return err
		}
		if pid := c.set.Lock.CreatorPID(); pid != 0 && !c.alive(pid) {
			return peerCrashed(fmt.Errorf("server process %d terminated", pid))
		}
	}
}

func (c *Client) alive(pid uint32) bool {
	if c.conf.alive != nil {
		return c.conf.alive(pid)
	}
	return ipcsync.ProcessAlive(pid)
}

// collect reads and clears the response under the lock.
func (c *Client) collect(ctx context.Context) (resp string, err error) {
	if err := c.lock(ctx); err != nil {
		return "", err
	}
	defer func() {
		if uerr := c.set.Lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B, err = c.region.AppendFrame(buf.B[:0])
	c.region.Clear()
	switch {
	case errors.Is(err, shm.ErrNoFrame):
		return "", nil
	case err != nil:
		return "", err
	}
	return string(buf.B), nil
}

// closedOr reports a wait cut short by Close as ErrClosed.
func (c *Client) closedOr(err error) error {
	if c.lifetime.Err() != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// Close releases the client's view of the channel. In-flight calls return
// ErrClosed after releasing the busy gate. Server objects are left intact.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.shutdown()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.set == nil {
			return
		}
		var errs []error
		if err := c.set.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.region.Close(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

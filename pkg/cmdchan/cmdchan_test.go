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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shm-cmdchan/pkg/ipcsync"
	"github.com/srediag/shm-cmdchan/pkg/naming"
)

const (
	helperEnv      = "CMDCHAN_TEST_HELPER"
	helperNameEnv  = "CMDCHAN_TEST_NAME"
	helperCallsEnv = "CMDCHAN_TEST_CALLS"
)

type ChannelTestSuite struct {
	suite.Suite
	dir string
}

func (s *ChannelTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *ChannelTestSuite) conf() *Config {
	conf := DefaultConfig()
	conf.Backing = BackingFile
	conf.FileDir = s.dir
	conf.PollInterval = 5 * time.Millisecond
	conf.LogOutput = io.Discard
	return conf
}

func (s *ChannelTestSuite) serve(name string, handler ContextHandler, conf *Config) *Server {
	srv, err := NewContextServer(context.Background(), name, handler, conf)
	s.Require().NoError(err)
	go func() {
		_ = srv.Serve(context.Background())
	}()
	s.T().Cleanup(func() { _ = srv.Close() })
	return srv
}

func (s *ChannelTestSuite) dial(name string, conf *Config) *Client {
	c, err := Dial(context.Background(), name, conf)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func echo(_ context.Context, command string) (string, error) { return command, nil }

func reverse(command string) string {
	r := []rune(command)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func (s *ChannelTestSuite) TestStellaReverse() {
	srv, err := NewServer(context.Background(), "Stella", reverse, s.conf())
	s.Require().NoError(err)
	defer srv.Close()
	go func() { _ = srv.Serve(context.Background()) }()

	c := s.dial("Stella", s.conf())
	resp, err := c.Send(context.Background(), "abc")
	s.Require().NoError(err)
	s.Equal("cba", resp)
	s.Equal("cba", c.SendString("abc"))
}

func (s *ChannelTestSuite) TestFirstCallOnFreshServerCompletes() {
	srv := s.serve("Clara", echo, s.conf())
	s.False(srv.set.Busy.IsSet())

	c := s.dial("Clara", s.conf())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Send(ctx, "first")
	s.Require().NoError(err)
	s.Equal("first", resp)
	s.False(srv.set.Busy.IsSet())
}

func (s *ChannelTestSuite) TestRoundTripIdentity() {
	srv := s.serve("Violet", echo, s.conf())
	c := s.dial("Violet", s.conf())

	multibyte := strings.Repeat("ü", 2046)
	s.Require().Len(multibyte, 4092)
	cases := []string{
		"x",
		"héllo wörld ✓",
		"日本語のコマンド",
		strings.Repeat("a", 4092),
		multibyte,
	}
	for _, cmd := range cases {
		resp, err := c.Send(context.Background(), cmd)
		s.Require().NoError(err)
		s.Equal(cmd, resp)
		s.Equal(0, srv.region.Len())
	}
}

func (s *ChannelTestSuite) TestSend_PayloadTooLarge() {
	var calls atomic.Int32
	srv := s.serve("Isabel", func(_ context.Context, command string) (string, error) {
		calls.Add(1)
		return command, nil
	}, s.conf())
	c := s.dial("Isabel", s.conf())

	_, err := c.Send(context.Background(), strings.Repeat("z", 4093))
	s.ErrorIs(err, ErrPayloadTooLarge)
	s.Equal(0, srv.region.Len())
	s.Equal(int32(0), calls.Load())
	s.False(srv.set.Busy.IsSet())
	s.False(srv.set.Lock.Locked())
}

func (s *ChannelTestSuite) TestEmptyResponse() {
	s.serve("Asta", func(context.Context, string) (string, error) { return "", nil }, s.conf())
	c := s.dial("Asta", s.conf())
	resp, err := c.Send(context.Background(), "anything")
	s.NoError(err)
	s.Equal("", resp)
}

func (s *ChannelTestSuite) TestHandlerFaultsAreFramed() {
	s.serve("Celeste", func(_ context.Context, command string) (string, error) {
		switch command {
		case "fail":
			return "", errors.New("boom")
		case "panic":
			panic("kaboom")
		case "nothing":
			return "", ErrNoResult
		case "huge":
			return strings.Repeat("h", 5000), nil
		}
		return command, nil
	}, s.conf())
	c := s.dial("Celeste", s.conf())

	s.Equal("E:boom", c.SendString("fail"))
	s.Equal("E:panic: kaboom", c.SendString("panic"))
	s.Equal(NoResultResponse, c.SendString("nothing"))
	s.Equal(ErrorResponsePrefix+ErrPayloadTooLarge.Error(), c.SendString("huge"))
	s.Equal("still serving", c.SendString("still serving"))
}

func (s *ChannelTestSuite) TestNoSuchServer() {
	start := time.Now()
	c := NewClient(context.Background(), "Nobody", s.conf())
	defer c.Close()

	s.False(c.Ready())
	s.ErrorIs(c.Err(), ErrNoSuchServer)
	_, err := c.Send(context.Background(), "hello")
	s.ErrorIs(err, ErrNotConnected)
	s.Equal(NotConnectedResponse, c.SendString("hello"))
	s.Less(time.Since(start), time.Second)

	_, err = Dial(context.Background(), "Nobody", s.conf())
	s.ErrorIs(err, ErrNoSuchServer)
}

func (s *ChannelTestSuite) TestInvalidName() {
	_, err := NewServer(context.Background(), "!!!", reverse, s.conf())
	s.ErrorIs(err, ErrInvalidName)

	c := NewClient(context.Background(), "---", s.conf())
	s.False(c.Ready())
	s.ErrorIs(c.Err(), ErrInvalidName)
}

func (s *ChannelTestSuite) TestClientAndServerAgreeOnNames() {
	srv := s.serve("Stella-01", echo, s.conf())
	c := s.dial("Stella-01", s.conf())
	s.Equal(srv.Names().Objects(), c.Names().Objects())
	s.Equal("Stella01", c.Names().Base)
}

func (s *ChannelTestSuite) TestConcurrentEcho() {
	s.serve("BFH", echo, s.conf())

	const clients, calls = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, clients*calls)
	for i := 0; i < clients; i++ {
		c := s.dial("BFH", s.conf())
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				cmd := fmt.Sprintf("client-%d-call-%d", id, j)
				resp, err := c.Send(context.Background(), cmd)
				if err != nil {
					errs <- err
					continue
				}
				if resp != cmd {
					errs <- fmt.Errorf("sent %q, got %q", cmd, resp)
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
}

func (s *ChannelTestSuite) TestConcurrentEchoAcrossProcesses() {
	srv := s.serve("Violet", echo, s.conf())

	const procs, calls = 6, 50
	var out [procs]bytes.Buffer
	cmds := make([]*exec.Cmd, procs)
	for i := range cmds {
		cmds[i] = s.helper("echo-calls", "Violet", calls)
		cmds[i].Stdout = &out[i]
		cmds[i].Stderr = &out[i]
		s.Require().NoError(cmds[i].Start())
	}
	for i, cmd := range cmds {
		s.NoError(cmd.Wait(), "child %d: %s", i, out[i].String())
	}

	s.Equal(0, srv.region.Len())
	s.False(srv.set.Busy.IsSet())
	s.False(srv.set.Lock.Locked())

	c := s.dial("Violet", s.conf())
	resp, err := c.Send(context.Background(), "parent")
	s.NoError(err)
	s.Equal("parent", resp)
}

func (s *ChannelTestSuite) TestSharedClientIsSerialized() {
	s.serve("Shared", echo, s.conf())
	c := s.dial("Shared", s.conf())

	var wg sync.WaitGroup
	var mismatches atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			cmd := fmt.Sprintf("goroutine-%d", id)
			if resp, err := c.Send(context.Background(), cmd); err != nil || resp != cmd {
				mismatches.Add(1)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(int32(0), mismatches.Load())
}

func (s *ChannelTestSuite) TestTimeoutThenNextCallGetsItsOwnResponse() {
	release := make(chan struct{})
	var first atomic.Bool
	s.serve("Slow", func(_ context.Context, command string) (string, error) {
		if first.CompareAndSwap(false, true) {
			<-release
		}
		return command, nil
	}, s.conf())
	c := s.dial("Slow", s.conf())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "late")
	s.ErrorIs(err, ErrTimeout)

	done := make(chan struct{})
	var resp string
	go func() {
		defer close(done)
		resp, err = c.Send(context.Background(), "second")
	}()
	close(release)
	<-done
	s.NoError(err)
	s.Equal("second", resp)
}

func (s *ChannelTestSuite) TestCallTimeoutFromConfig() {
	s.serve("Stuck", func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, s.conf())
	conf := s.conf()
	conf.CallTimeout = 30 * time.Millisecond
	c := s.dial("Stuck", conf)

	_, err := c.Send(context.Background(), "x")
	s.ErrorIs(err, ErrTimeout)
}

func (s *ChannelTestSuite) TestServerCloseWakesClient() {
	entered := make(chan struct{})
	srv, err := NewContextServer(context.Background(), "Closing", func(ctx context.Context, _ string) (string, error) {
		close(entered)
		<-ctx.Done()
		return "", ctx.Err()
	}, s.conf())
	s.Require().NoError(err)
	go func() { _ = srv.Serve(context.Background()) }()
	c := s.dial("Closing", s.conf())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "x")
		errCh <- err
	}()
	<-entered
	s.NoError(srv.Close())
	s.Equal(StateClosed, srv.State())

	select {
	case err := <-errCh:
		s.ErrorIs(err, ErrClosed)
	case <-time.After(5 * time.Second):
		s.Fail("client was not woken by server close")
	}

	_, err = Dial(context.Background(), "Closing", s.conf())
	s.ErrorIs(err, ErrNoSuchServer)
}

func (s *ChannelTestSuite) TestServerGoneIsPeerCrashed() {
	release := make(chan struct{})
	defer close(release)
	s.serve("Gone", func(context.Context, string) (string, error) {
		<-release
		return "", nil
	}, s.conf())
	conf := s.conf()
	conf.alive = func(uint32) bool { return false }
	c := s.dial("Gone", conf)

	_, err := c.Send(context.Background(), "x")
	s.ErrorIs(err, ErrPeerCrashed)
}

func (s *ChannelTestSuite) TestClientClose() {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	s.serve("Leaving", func(context.Context, string) (string, error) {
		close(entered)
		<-release
		return "", nil
	}, s.conf())
	c, err := Dial(context.Background(), "Leaving", s.conf())
	s.Require().NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "x")
		errCh <- err
	}()
	<-entered
	s.NoError(c.Close())
	s.ErrorIs(<-errCh, ErrClosed)
	s.False(c.Ready())
	_, err = c.Send(context.Background(), "y")
	s.ErrorIs(err, ErrClosed)
	s.NoError(c.Close())
}

func (s *ChannelTestSuite) TestServerExists() {
	s.serve("Twice", echo, s.conf())
	_, err := NewContextServer(context.Background(), "Twice", echo, s.conf())
	s.ErrorIs(err, ErrServerExists)
}

func (s *ChannelTestSuite) TestReclaimStaleObjects() {
	stale, err := NewContextServer(context.Background(), "Phoenix", echo, s.conf())
	s.Require().NoError(err)

	conf := s.conf()
	conf.alive = func(uint32) bool { return false }
	fresh := s.serve("Phoenix", echo, conf)

	c := s.dial("Phoenix", s.conf())
	resp, err := c.Send(context.Background(), "reborn")
	s.NoError(err)
	s.Equal("reborn", resp)

	s.NoError(c.Close())
	s.NoError(fresh.Close())
	s.NoError(stale.Close())
}

func (s *ChannelTestSuite) TestReclaimDisabled() {
	s.serve("Keep", echo, s.conf())
	conf := s.conf()
	conf.alive = func(uint32) bool { return false }
	conf.ReclaimStale = false
	_, err := NewContextServer(context.Background(), "Keep", echo, conf)
	s.ErrorIs(err, ErrServerExists)
}

func (s *ChannelTestSuite) TestHalfCreatedObjectsAreLive() {
	mutex := filepath.Join(s.dir, "Race_mutex")
	s.Require().NoError(os.WriteFile(mutex, make([]byte, ipcsync.ObjectSize), 0o600))

	conf := s.conf()
	conf.alive = func(uint32) bool { return false }
	_, err := NewContextServer(context.Background(), "Race", echo, conf)
	s.ErrorIs(err, ErrServerExists)
	s.FileExists(mutex)

	_, err = Dial(context.Background(), "Race", s.conf())
	s.ErrorIs(err, ErrNoSuchServer)
}

func (s *ChannelTestSuite) TestHalfCreatedObjectsReclaimedAfterGrace() {
	mutex := filepath.Join(s.dir, "Relic_mutex")
	s.Require().NoError(os.WriteFile(mutex, make([]byte, ipcsync.ObjectSize), 0o600))
	old := time.Now().Add(-time.Minute)
	s.Require().NoError(os.Chtimes(mutex, old, old))

	s.serve("Relic", echo, s.conf())
	c := s.dial("Relic", s.conf())
	resp, err := c.Send(context.Background(), "back")
	s.NoError(err)
	s.Equal("back", resp)
}

func (s *ChannelTestSuite) TestPeerCrashedWhileHoldingLock() {
	srv := s.serve("Crash", echo, s.conf())

	out, err := s.helper("lock-and-exit", "Crash", 0).CombinedOutput()
	s.Require().NoError(err, string(out))
	s.True(srv.set.Lock.Locked())

	c := s.dial("Crash", s.conf())
	_, err = c.Send(context.Background(), "after crash")
	s.ErrorIs(err, ErrPeerCrashed)
	s.Equal(0, srv.region.Len())

	resp, err := c.Send(context.Background(), "recovered")
	s.NoError(err)
	s.Equal("recovered", resp)
}

// helper returns a command re-running this test binary as TestHelperProcess
// against the suite's backing directory.
func (s *ChannelTestSuite) helper(mode, name string, calls int) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(),
		helperEnv+"="+mode,
		helperNameEnv+"="+name,
		helperCallsEnv+"="+strconv.Itoa(calls),
		"CMDCHAN_BACKING="+BackingFile,
		"CMDCHAN_FILE_DIR="+s.dir,
		"CMDCHAN_POLL_INTERVAL=5ms",
	)
	return cmd
}

// TestHelperProcess is run as a child process by the cross-process tests.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		t.Skip("helper process")
	}
	fail := func(err error) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	conf, err := LoadConfig()
	if err != nil {
		fail(err)
	}
	conf.LogOutput = io.Discard
	c, err := Dial(context.Background(), os.Getenv(helperNameEnv), conf)
	if err != nil {
		fail(err)
	}
	switch mode {
	case "lock-and-exit":
		if err := c.set.Lock.Lock(context.Background()); err != nil {
			fail(err)
		}
	case "echo-calls":
		calls, _ := strconv.Atoi(os.Getenv(helperCallsEnv))
		for j := 0; j < calls; j++ {
			cmd := fmt.Sprintf("pid-%d-call-%d", os.Getpid(), j)
			resp, err := c.Send(context.Background(), cmd)
			if err != nil {
				fail(err)
			}
			if resp != cmd {
				fail(fmt.Errorf("sent %q, got %q", cmd, resp))
			}
		}
		if err := c.Close(); err != nil {
			fail(err)
		}
	default:
		fail(fmt.Errorf("unknown helper mode %q", mode))
	}
	os.Exit(0)
}

func (s *ChannelTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	conf := s.conf()
	conf.Registerer = reg
	srv := s.serve("Metered", func(_ context.Context, command string) (string, error) {
		if command == "fail" {
			return "", errors.New("nope")
		}
		return command, nil
	}, conf)
	c := s.dial("Metered", conf)

	_, err := c.Send(context.Background(), "ok")
	s.NoError(err)
	_ = c.SendString("fail")

	s.Equal(float64(1), counterValue(srv.metrics.exchanges.WithLabelValues(roleServer, resultOK)))
	s.Equal(float64(1), counterValue(srv.metrics.exchanges.WithLabelValues(roleServer, resultHandlerFault)))
	s.Equal(float64(2), counterValue(c.metrics.exchanges.WithLabelValues(roleClient, resultOK)))

	families, err := reg.Gather()
	s.Require().NoError(err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	s.Contains(names, "cmdchan_exchanges_total")
	s.Contains(names, "cmdchan_handler_duration_seconds")
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func (s *ChannelTestSuite) TestStates() {
	srv := s.serve("Stateful", echo, s.conf())
	s.Eventually(func() bool { return srv.Alive() == nil }, time.Second, 5*time.Millisecond)
	c := s.dial("Stateful", s.conf())
	_, err := c.Send(context.Background(), "x")
	s.NoError(err)
	s.Eventually(func() bool { return srv.State() == StateIdle }, time.Second, 5*time.Millisecond)
	s.NoError(srv.Close())
	s.Equal(StateClosed, srv.State())
	s.ErrorIs(srv.Alive(), ErrClosed)
	s.Equal("ResponsePosted", StateResponsePosted.String())
}

func (s *ChannelTestSuite) TestDialRetryWaitsForServer() {
	started := make(chan *Server, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		srv, err := NewContextServer(context.Background(), "Late", echo, s.conf())
		s.NoError(err)
		started <- srv
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := DialRetry(ctx, "Late", s.conf())
	srv := <-started
	s.Require().NotNil(srv)
	defer srv.Close()
	s.Require().NoError(err)
	s.True(c.Ready())
	s.NoError(c.Close())
}

func (s *ChannelTestSuite) TestDialRetryGivesUp() {
	conf := s.conf()
	conf.DialRetryTimeout = 60 * time.Millisecond
	_, err := DialRetry(context.Background(), "NeverThere", conf)
	s.ErrorIs(err, ErrNoSuchServer)
}

func (s *ChannelTestSuite) TestWellKnownNamesServe() {
	for _, name := range naming.WellKnown {
		s.serve(name, echo, s.conf())
		c := s.dial(name, s.conf())
		s.Equal(name, c.SendString(name))
	}
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

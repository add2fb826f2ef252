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

// Package client runs the cmdchan-client process: it sends each command to a
// named server and prints the responses in order.
package client

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shm-cmdchan/pkg/cmdchan"
)

// Config holds the client process settings.
type Config struct {
	Name        string
	Commands    []string
	Concurrency int
	Wait        bool
	Channel     *cmdchan.Config
}

// ParseConfig reads CMDCHAN_* environment variables, then flags from args.
// Remaining arguments are the commands to send.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	channel, err := cmdchan.LoadConfig()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Channel: channel}
	fs.StringVar(&cfg.Name, "name", "Stella", "server name")
	fs.DurationVar(&channel.CallTimeout, "timeout", channel.CallTimeout, "per-command timeout; 0 waits forever")
	fs.IntVar(&cfg.Concurrency, "c", 1, "commands sent concurrently")
	fs.BoolVar(&cfg.Wait, "wait", false, "wait for the server to appear, up to CMDCHAN_DIAL_RETRY_TIMEOUT")
	fs.BoolVar(&channel.Global, "global", channel.Global, "look the server up in the global namespace")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency < 1 {
		return Config{}, errors.New("-c must be at least 1")
	}
	cfg.Commands = fs.Args()
	if len(cfg.Commands) == 0 {
		return Config{}, errors.New("no command given")
	}
	return cfg, nil
}

type result struct {
	resp string
	err  error
}

// Run sends every command and writes "command -> response" lines to out in
// command order. It fails when the server cannot be found or any command
// fails.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	var (
		c   *cmdchan.Client
		err error
	)
	if cfg.Wait {
		c, err = cmdchan.DialRetry(ctx, cfg.Name, cfg.Channel)
	} else {
		c, err = cmdchan.Dial(ctx, cfg.Name, cfg.Channel)
	}
	if err != nil {
		fmt.Fprintln(out, cmdchan.NotConnectedResponse)
		return err
	}
	defer c.Close()

	results := make([]result, len(cfg.Commands))
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return err
	}
	defer pool.Release()

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	start := time.Now()
	for i, cmd := range cfg.Commands {
		i, cmd := i, cmd
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			resp, err := c.Send(ctx, cmd)
			if err != nil {
				failed.Add(1)
			}
			results[i] = result{resp: resp, err: err}
		}); err != nil {
			wg.Done()
			results[i] = result{err: err}
			failed.Add(1)
		}
	}
	wg.Wait()

	var errs []error
	for i, r := range results {
		if r.err != nil {
			fmt.Fprintf(out, "%s -> error: %v\n", cfg.Commands[i], r.err)
			errs = append(errs, r.err)
			continue
		}
		fmt.Fprintf(out, "%s -> %s\n", cfg.Commands[i], r.resp)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d commands failed in %s: %w", n, len(cfg.Commands), time.Since(start).Round(time.Millisecond), errors.Join(errs...))
	}
	return nil
}

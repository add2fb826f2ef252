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

// Package server runs the cmdchan-server process: a registry of channel
// servers plus an HTTP endpoint for health and metrics.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shm-cmdchan/adapter"
	"github.com/srediag/shm-cmdchan/pkg/cmdchan"
	"github.com/srediag/shm-cmdchan/pkg/naming"
)

// Handlers are the command handlers the server can run.
var Handlers = map[string]cmdchan.HandlerFunc{
	"echo":    func(cmd string) string { return cmd },
	"reverse": reverse,
	"upper":   strings.ToUpper,
}

func reverse(cmd string) string {
	r := []rune(cmd)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// Config holds the server process settings.
type Config struct {
	Names      []string
	Handler    string
	HealthAddr string
	Channel    *cmdchan.Config
	Sink       adapter.AsyncSinkConfig
}

// ParseConfig reads CMDCHAN_* environment variables, then flags from args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	channel, err := cmdchan.LoadConfig()
	if err != nil {
		return Config{}, err
	}
	var sink adapter.AsyncSinkConfig
	if err := env.Parse(&sink); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg := Config{Channel: channel, Sink: sink}

	var (
		name      string
		wellKnown bool
	)
	fs.StringVar(&name, "name", "Stella", "server name")
	fs.BoolVar(&wellKnown, "well-known", false, "serve every well-known server name")
	fs.StringVar(&cfg.Handler, "handler", "reverse", "command handler: "+strings.Join(handlerNames(), "|"))
	fs.BoolVar(&channel.Global, "global", channel.Global, "create objects in the global namespace")
	fs.StringVar(&cfg.HealthAddr, "health", ":8086", "address serving /live, /ready and /metrics; empty disables it")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if _, ok := Handlers[cfg.Handler]; !ok {
		return Config{}, fmt.Errorf("unknown handler %q", cfg.Handler)
	}
	cfg.Names = []string{name}
	if wellKnown {
		cfg.Names = naming.WellKnown
	}
	return cfg, nil
}

func handlerNames() []string {
	names := make([]string, 0, len(Handlers))
	for name := range Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run serves until ctx is done, then closes every server.
func Run(ctx context.Context, cfg Config) error {
	return run(ctx, cfg, nil)
}

// run reports the bound health address on ready when it is not nil.
func run(ctx context.Context, cfg Config, ready chan<- string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Sink.Output == nil {
		cfg.Sink.Output = os.Stderr
	}
	sink := adapter.NewAsyncSink(cfg.Sink)
	defer sink.Close()

	conf := adapter.WithGlobalOTel(cfg.Channel)
	conf.Sink = sink
	conf.Registerer = reg

	registry, err := cmdchan.NewRegistry(conf)
	if err != nil {
		return err
	}
	defer registry.Close()

	handler := Handlers[cfg.Handler]
	for _, name := range cfg.Names {
		srv, err := registry.Start(ctx, name, handler)
		if err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		fmt.Fprintf(logOutput(conf), "serving %s (%s backing, handler %s)\n", srv.Names().Base, srv.Backing(), cfg.Handler)
	}

	if cfg.HealthAddr == "" {
		if ready != nil {
			ready <- ""
		}
		<-ctx.Done()
		return registry.Close()
	}

	health := adapter.NewHealthAdapter(reg)
	health.WatchRegistry(registry)
	mux := http.NewServeMux()
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	ln, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HealthAddr, err)
	}
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("health endpoint: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(httpServer.Shutdown(shutdownCtx), registry.Close())
}

func logOutput(conf *cmdchan.Config) io.Writer {
	if conf.LogOutput != nil {
		return conf.LogOutput
	}
	return os.Stdout
}

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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shm-cmdchan/api"
	internalshm "github.com/srediag/shm-cmdchan/internal/shm"
	"github.com/srediag/shm-cmdchan/pkg/ipcsync"
	"github.com/srediag/shm-cmdchan/pkg/shm"
)

// Backing strategy names accepted by Config.Backing.
const (
	BackingAuto   = string(internalshm.StrategyAuto)
	BackingDevShm = string(internalshm.StrategyDevShm)
	BackingFile   = string(internalshm.StrategyFile)
)

// Config is used to tune a channel endpoint.
type Config struct {
	// Global places every object in the host-wide namespace.
	Global bool `env:"CMDCHAN_GLOBAL"`

	// Backing selects where objects live: auto, devshm or file.
	Backing string `env:"CMDCHAN_BACKING"`

	// FileDir is the directory used by the file backing strategy.
	FileDir string `env:"CMDCHAN_FILE_DIR"`

	// RegionCapacity is the region size in bytes, length prefix included.
	// Client and server must agree on it.
	RegionCapacity int `env:"CMDCHAN_REGION_CAPACITY"`

	// CallTimeout bounds every client call that carries no deadline.
	// 0 means calls block until the server responds.
	CallTimeout time.Duration `env:"CMDCHAN_CALL_TIMEOUT"`

	// PollInterval bounds each park so owner liveness and cancellation are
	// re-checked.
	PollInterval time.Duration `env:"CMDCHAN_POLL_INTERVAL"`

	// MaxServers is the number of server loops a Registry runs at once.
	MaxServers int `env:"CMDCHAN_MAX_SERVERS"`

	// ReclaimStale removes objects left behind by a terminated server when a
	// new server starts under the same name.
	ReclaimStale bool `env:"CMDCHAN_RECLAIM_STALE"`

	// DialRetryTimeout bounds DialRetry when the context carries no deadline.
	DialRetryTimeout time.Duration `env:"CMDCHAN_DIAL_RETRY_TIMEOUT"`

	// LogOutput is where the endpoint logger writes. nil means os.Stdout.
	LogOutput io.Writer

	// Sink receives diagnostic lines for reliability events. Optional.
	Sink api.DiagnosticSink

	// Registerer registers the Prometheus collectors. Optional.
	Registerer prometheus.Registerer

	// Tracer and Meter instrument exchanges. nil means no-op.
	Tracer trace.Tracer
	Meter  metric.Meter

	// alive overrides the process liveness probe in tests.
	alive func(pid uint32) bool
}

// DefaultConfig is used to get the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Global:           false,
		Backing:          BackingAuto,
		FileDir:          filepath.Join(os.TempDir(), "cmdchan"),
		RegionCapacity:   shm.DefaultCapacity,
		CallTimeout:      0,
		PollInterval:     50 * time.Millisecond,
		MaxServers:       64,
		ReclaimStale:     true,
		DialRetryTimeout: 5 * time.Second,
		LogOutput:        os.Stdout,
	}
}

// LoadConfig returns DefaultConfig overridden by CMDCHAN_* environment
// variables.
func LoadConfig() (*Config, error) {
	conf := DefaultConfig()
	if err := env.Parse(conf); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// VerifyConfig is used to verify the sanity of configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("nil config")
	}
	if config.RegionCapacity <= shm.HeaderSize {
		return fmt.Errorf("RegionCapacity must be larger than %d bytes", shm.HeaderSize)
	}
	if config.RegionCapacity > shm.MaxCapacity {
		return fmt.Errorf("RegionCapacity must not exceed %d bytes", shm.MaxCapacity)
	}
	if config.PollInterval <= 0 {
		return errors.New("PollInterval must be positive")
	}
	if config.CallTimeout < 0 {
		return errors.New("CallTimeout must not be negative")
	}
	if config.MaxServers <= 0 {
		return errors.New("MaxServers must be positive")
	}
	switch config.Backing {
	case BackingAuto, BackingDevShm, BackingFile:
	default:
		return fmt.Errorf("unknown Backing %q", config.Backing)
	}
	if config.Backing == BackingFile && config.FileDir == "" {
		return errors.New("FileDir is required by the file backing")
	}
	return nil
}

func (c *Config) orDefault() (*Config, error) {
	if c == nil {
		return DefaultConfig(), nil
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) probe(ctx context.Context) (internalshm.Backing, error) {
	return internalshm.Probe(ctx, internalshm.Strategy(c.Backing), c.FileDir, uint64(c.RegionCapacity))
}

func (c *Config) syncOptions() ipcsync.Options {
	return ipcsync.Options{
		Global:       c.Global,
		PollInterval: c.PollInterval,
		Alive:        c.alive,
	}
}

func (c *Config) emit(format string, a ...interface{}) {
	if c.Sink == nil {
		return
	}
	c.Sink.Emit(fmt.Sprintf(format, a...))
}

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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shm-cmdchan"

// exchange results
const (
	resultOK           = "ok"
	resultHandlerFault = "handler_fault"
	resultPeerCrashed  = "peer_crashed"
	resultTimeout      = "timeout"
	resultNotConnected = "not_connected"
	resultTooLarge     = "too_large"
	resultClosed       = "closed"
	resultError        = "error"
)

const (
	roleServer = "server"
	roleClient = "client"
)

type metrics struct {
	exchanges      *prometheus.CounterVec
	handlerSeconds prometheus.Histogram
	peerCrashes    *prometheus.CounterVec

	tracer   trace.Tracer
	otelExch metric.Int64Counter
}

func newMetrics(conf *Config) *metrics {
	m := &metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cmdchan",
			Name:      "exchanges_total",
			Help:      "Command exchanges by role and result.",
		}, []string{"role", "result"}),
		handlerSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cmdchan",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in command handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		peerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cmdchan",
			Name:      "peer_crashes_total",
			Help:      "Abandoned locks or gates recovered, by role.",
		}, []string{"role"}),
	}
	if conf.Registerer != nil {
		m.exchanges = register(conf.Registerer, m.exchanges)
		m.handlerSeconds = register(conf.Registerer, m.handlerSeconds)
		m.peerCrashes = register(conf.Registerer, m.peerCrashes)
	}

	m.tracer = conf.Tracer
	if m.tracer == nil {
		m.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	meter := conf.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	counter, err := meter.Int64Counter("cmdchan.exchanges",
		metric.WithDescription("Command exchanges by role and result."))
	if err != nil {
		internalLogger.warnf("otel counter: %v", err)
		counter, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("cmdchan.exchanges")
	}
	m.otelExch = counter
	return m
}

// register registers c, reusing an identical collector that another endpoint
// of this process registered first.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		internalLogger.warnf("register collector: %v", err)
	}
	return c
}

func (m *metrics) exchange(ctx context.Context, role, result string) {
	m.exchanges.WithLabelValues(role, result).Inc()
	m.otelExch.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("result", result),
	))
}

func (m *metrics) peerCrash(role string) {
	m.peerCrashes.WithLabelValues(role).Inc()
}

func (m *metrics) handlerDone(start time.Time) {
	m.handlerSeconds.Observe(time.Since(start).Seconds())
}

// resultOf classifies err for the exchanges counter.
func resultOf(err error) string {
	var fault *HandlerFault
	switch {
	case err == nil:
		return resultOK
	case errors.As(err, &fault):
		return resultHandlerFault
	case errors.Is(err, ErrPeerCrashed):
		return resultPeerCrashed
	case errors.Is(err, ErrTimeout):
		return resultTimeout
	case errors.Is(err, ErrNotConnected):
		return resultNotConnected
	case errors.Is(err, ErrPayloadTooLarge):
		return resultTooLarge
	case errors.Is(err, ErrClosed):
		return resultClosed
	default:
		return resultError
	}
}

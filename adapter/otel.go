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

package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/srediag/shm-cmdchan/pkg/cmdchan"
)

// InstrumentationName names the tracer and meter obtained from the global
// OpenTelemetry providers.
const InstrumentationName = "github.com/srediag/shm-cmdchan"

// WithGlobalOTel points conf at the tracer and meter of the globally
// registered OpenTelemetry providers and returns conf.
func WithGlobalOTel(conf *cmdchan.Config) *cmdchan.Config {
	if conf == nil {
		conf = cmdchan.DefaultConfig()
	}
	conf.Tracer = otel.Tracer(InstrumentationName)
	conf.Meter = otel.Meter(InstrumentationName)
	return conf
}

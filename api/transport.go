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

// Package api defines public API contracts for shm-cmdchan.
package api

import "context"

// Transport sends one command and blocks for its response.
type Transport interface {
	// Send posts command and returns the decoded response.
	Send(ctx context.Context, command string) (string, error)
	// Ready reports whether the peer was discovered.
	Ready() bool
	// Close releases the transport.
	Close() error
}

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
	"errors"
	"fmt"

	"github.com/srediag/shm-cmdchan/pkg/ipcsync"
	"github.com/srediag/shm-cmdchan/pkg/naming"
	"github.com/srediag/shm-cmdchan/pkg/shm"
)

// Sentinel responses exchanged as ordinary frames.
const (
	// NotConnectedResponse is returned by SendString on a client that never
	// discovered its server.
	NotConnectedResponse = "Client is not connected."
	// NoResultResponse is framed when a handler produces no result.
	NoResultResponse = "E4C4D4E."
	// ErrorResponsePrefix starts every error-response frame.
	ErrorResponsePrefix = "E:"
)

var (
	// ErrNoSuchServer is the discovery failure: a named object is missing.
	ErrNoSuchServer = errors.New("no such server")
	// ErrNotConnected is returned by Send on a client that is not ready.
	ErrNotConnected = errors.New("client is not connected")
	// ErrPeerCrashed is returned when the channel lock (or gate) was held by a
	// process that terminated. The region was cleared before reuse.
	ErrPeerCrashed = errors.New("peer crashed while holding the channel")
	// ErrServerExists is returned when a live server already owns the name.
	ErrServerExists = errors.New("server name already in use")
	// ErrNoResult may be returned by a handler that has nothing to say; the
	// client receives NoResultResponse.
	ErrNoResult = errors.New("handler produced no result")

	ErrPayloadTooLarge     = shm.ErrPayloadTooLarge
	ErrPlatformUnsupported = shm.ErrPlatformUnsupported
	ErrInvalidName         = naming.ErrInvalidName
	ErrTimeout             = ipcsync.ErrTimeout
	ErrClosed              = ipcsync.ErrClosed
)

// HandlerFault is a handler error or panic caught by the server loop. It is
// framed as an error response and never escapes the loop.
type HandlerFault struct {
	Command string
	Cause   error
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("handler fault: %v", f.Cause)
}

func (f *HandlerFault) Unwrap() error { return f.Cause }

// errorResponse renders err as an error-response frame payload.
func errorResponse(err error) string {
	return ErrorResponsePrefix + err.Error()
}

func peerCrashed(err error) error {
	return fmt.Errorf("%w: %w", ErrPeerCrashed, err)
}

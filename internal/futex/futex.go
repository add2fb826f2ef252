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

// Package futex exposes process-shared futex wait and wake on 32-bit words
// that live inside a MAP_SHARED mapping.
//
// The operations deliberately omit FUTEX_PRIVATE_FLAG: the waiters and wakers
// of a word are expected to be in different processes.
package futex

import "errors"

var (
	// ErrTimeout is returned by WaitTimeout when the deadline elapses first.
	ErrTimeout = errors.New("futex: wait timed out")
	// ErrUnsupported is returned on platforms without futex support.
	ErrUnsupported = errors.New("futex: operations not supported on this platform")
)

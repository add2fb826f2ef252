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

// Package shm provides the fixed-capacity shared memory region that carries
// one length-prefixed frame at a time between processes.
//
// Layout (byte-exact):
//
//	offset 0  4 bytes  signed 32-bit payload length, native-endian
//	offset 4  ...      UTF-8 payload, at most capacity-4 bytes
//
// A length of 0 means no frame is present. The region is not safe for
// concurrent use; callers hold the channel lock around every operation.
//
// Example usage:
//
//	r, err := shm.Open(ctx, backing, shm.OpenOptions{Name: "Stella", Size: shm.DefaultCapacity, Create: true})
//	// ...
//	err = r.WriteFrame([]byte("abc"))
//	payload, err := r.ReadFrame()
//	r.Clear()
package shm

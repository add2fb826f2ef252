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

// Package cmdchan implements a single-slot command channel over shared
// memory. A Server owns a named region and a lock plus three events; a Client
// posts one text command at a time and blocks until the server's handler has
// answered it.
//
// One exchange runs as follows. The client claims the busy gate, takes the
// lock, drains any stale response signal, writes the command frame, releases
// the lock and signals command-posted. The server loop wakes, takes the lock,
// reads and clears the command, runs the handler, writes the response frame,
// signals response-posted and releases the lock. The client then takes the
// lock, reads and clears the response and releases the gate.
//
// Example usage:
//
//	srv, err := cmdchan.NewServer(ctx, "Stella", reverse, nil)
//	// ...
//	go srv.Serve(ctx)
//	defer srv.Close()
//
//	c := cmdchan.NewClient(ctx, "Stella", nil)
//	defer c.Close()
//	resp, err := c.Send(ctx, "abc") // "cba"
package cmdchan

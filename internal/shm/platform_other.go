//go:build !linux

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

package shm

import "context"

// Probe always fails: the channel's synchronization primitives need futexes.
func Probe(ctx context.Context, preferred Strategy, fileDir string, need uint64) (Backing, error) {
	return nil, ErrPlatformUnsupported
}

// NewBacking always fails on this platform.
func NewBacking(strategy Strategy, dir string) (Backing, error) {
	return nil, ErrPlatformUnsupported
}

// CanCreateOnDevShm always reports false on this platform.
func CanCreateOnDevShm(size uint64) bool { return false }

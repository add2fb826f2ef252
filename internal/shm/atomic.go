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

import (
	"fmt"
	"unsafe"
)

// Uint32At returns a pointer to the 32-bit word at off inside mem, suitable
// for sync/atomic and futex operations. off must be 4-byte aligned.
func Uint32At(mem []byte, off int) *uint32 {
	if off < 0 || off+4 > len(mem) {
		panic(fmt.Sprintf("shm: word offset %d out of range for %d bytes", off, len(mem)))
	}
	p := unsafe.Pointer(&mem[off])
	if uintptr(p)%4 != 0 {
		panic(fmt.Sprintf("shm: word offset %d is not 4-byte aligned", off))
	}
	return (*uint32)(p)
}

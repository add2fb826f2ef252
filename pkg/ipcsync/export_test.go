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

package ipcsync

import "sync/atomic"

// forceHeldBy marks the object as held by pid, simulating a holder that
// terminated inside its critical section.
func (o *object) forceHeldBy(pid uint32) {
	atomic.StoreUint32(o.state, locked)
	atomic.StoreUint32(o.owner, pid)
}

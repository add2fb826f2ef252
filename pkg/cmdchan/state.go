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

import "strconv"

// State is a server's position in the exchange protocol.
type State int32

const (
	StateIdle State = iota
	StateCommandPosted
	StateProcessing
	StateResponsePosted
	StateClosed
)

var stateNames = [...]string{
	StateIdle:           "Idle",
	StateCommandPosted:  "CommandPosted",
	StateProcessing:     "Processing",
	StateResponsePosted: "ResponsePosted",
	StateClosed:         "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

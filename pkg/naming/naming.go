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

// Package naming derives the OS-visible object names of a command channel
// from a logical server name. Servers and clients both go through Derive so
// the names they create and open are byte-identical.
package naming

import (
	"errors"
	"fmt"
	"strings"
)

// GlobalNamespace is the prefix placing objects in the host-wide namespace.
const GlobalNamespace = `Global\`

const (
	mutexSuffix    = "_mutex"
	commandSuffix  = "_CommandEvent"
	responseSuffix = "_ResponseEvent"
	busySuffix     = "_ProcessingInProgress"
)

// ErrInvalidName is returned when a logical name has no alphanumeric characters.
var ErrInvalidName = errors.New("server name has no alphanumeric characters")

// WellKnown lists the conventional server names.
var WellKnown = []string{"Stella", "BFH", "Clara", "Violet", "Isabel", "Celeste", "Asta"}

// Names holds every object name derived for one server identity.
type Names struct {
	Logical  string
	Global   bool
	Base     string
	Region   string
	Mutex    string
	Command  string
	Response string
	Busy     string
}

// Sanitize strips every character outside [A-Za-z0-9].
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Derive computes the object names for name in the global or local namespace.
func Derive(name string, global bool) (Names, error) {
	clean := Sanitize(name)
	if clean == "" {
		return Names{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	base := clean
	if global {
		base = GlobalNamespace + clean
	}
	return Names{
		Logical:  name,
		Global:   global,
		Base:     base,
		Region:   base,
		Mutex:    base + mutexSuffix,
		Command:  base + commandSuffix,
		Response: base + responseSuffix,
		Busy:     base + busySuffix,
	}, nil
}

// Objects returns every derived name, region first.
func (n Names) Objects() []string {
	return []string{n.Region, n.Mutex, n.Command, n.Response, n.Busy}
}

func (n Names) String() string { return n.Base }

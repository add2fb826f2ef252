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

package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"Stella":        "Stella",
		"St ella!":      "Stella",
		"a/b\\c:d":      "abcd",
		"_under_score_": "underscore",
		"héllo":         "hllo",
		"123-456":       "123456",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "Sanitize(%q)", in)
	}
}

func TestDerive_Local(t *testing.T) {
	n, err := Derive("Stella", false)
	require.NoError(t, err)
	assert.Equal(t, "Stella", n.Region)
	assert.Equal(t, "Stella_mutex", n.Mutex)
	assert.Equal(t, "Stella_CommandEvent", n.Command)
	assert.Equal(t, "Stella_ResponseEvent", n.Response)
	assert.Equal(t, "Stella_ProcessingInProgress", n.Busy)
	assert.False(t, n.Global)
}

func TestDerive_Global(t *testing.T) {
	n, err := Derive("My Server!", true)
	require.NoError(t, err)
	assert.Equal(t, `Global\MyServer`, n.Base)
	for _, obj := range n.Objects() {
		assert.Contains(t, obj, `Global\MyServer`)
	}
	assert.Equal(t, `Global\MyServer_mutex`, n.Mutex)
}

func TestDerive_InvalidName(t *testing.T) {
	_, err := Derive("!!! ", false)
	assert.ErrorIs(t, err, ErrInvalidName)
}

// Creating and opening sides must agree on every object name, whatever the
// spelling the caller used for the logical name.
func TestDerive_ServerAndClientAgree(t *testing.T) {
	for _, name := range append([]string{"with space", "Ünïcode9"}, WellKnown...) {
		for _, global := range []bool{false, true} {
			server, err := Derive(name, global)
			require.NoError(t, err)
			client, err := Derive(Sanitize(name), global)
			require.NoError(t, err)
			assert.Equal(t, server.Objects(), client.Objects(), "name %q global %v", name, global)
		}
	}
}

func TestNames_ObjectsDistinct(t *testing.T) {
	n, err := Derive("Clara", false)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, obj := range n.Objects() {
		assert.False(t, seen[obj], "duplicate object name %s", obj)
		seen[obj] = true
	}
	assert.Len(t, seen, 5)
}

//go:build linux

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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "Global.Stella_mutex", FileName(`Global\Stella_mutex`))
	assert.Equal(t, "Stella", FileName("Stella"))
}

func TestMapRegion_CreateOpenRemove(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBacking(StrategyFile, dir)
	require.NoError(t, err)
	ctx := context.Background()

	created, err := MapRegion(ctx, b, MapOptions{Name: `Global\obj`, Size: 128, Create: true, Global: true})
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, "Global.obj"))
	require.NoError(t, err)
	assert.EqualValues(t, 128, info.Size())
	assert.Equal(t, os.FileMode(0o666), info.Mode().Perm())

	opened, err := MapRegion(ctx, b, MapOptions{Name: `Global\obj`})
	require.NoError(t, err)
	assert.Len(t, opened.Addr, 128)

	created.Addr[7] = 42
	assert.EqualValues(t, 42, opened.Addr[7])

	_, err = MapRegion(ctx, b, MapOptions{Name: `Global\obj`, Size: 128, Create: true})
	assert.ErrorIs(t, err, os.ErrExist)

	require.NoError(t, UnmapRegion(b, opened))
	require.NoError(t, UnmapRegion(b, created))
	require.NoError(t, b.Remove(`Global\obj`))
	require.NoError(t, b.Remove(`Global\obj`))

	_, err = MapRegion(ctx, b, MapOptions{Name: `Global\obj`})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMapRegion_OpenTooSmall(t *testing.T) {
	b, err := NewBacking(StrategyFile, t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	r, err := MapRegion(ctx, b, MapOptions{Name: "small", Size: 16, Create: true})
	require.NoError(t, err)
	defer UnmapRegion(b, r)

	_, err = MapRegion(ctx, b, MapOptions{Name: "small", Size: 4096})
	assert.Error(t, err)
}

func TestModTime(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBacking(StrategyFile, dir)
	require.NoError(t, err)

	r, err := MapRegion(context.Background(), b, MapOptions{Name: `Global\aged`, Size: 64, Create: true})
	require.NoError(t, err)
	defer UnmapRegion(b, r)

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "Global.aged"), old, old))
	mt, err := b.ModTime(`Global\aged`)
	require.NoError(t, err)
	assert.True(t, mt.Equal(old), "mtime %v, want %v", mt, old)

	_, err = b.ModTime("missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProbe_File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cmdchan")
	b, err := Probe(context.Background(), StrategyFile, dir, 4096)
	require.NoError(t, err)
	assert.Equal(t, StrategyFile, b.Strategy())
	assert.DirExists(t, dir)
}

func TestProbe_Auto(t *testing.T) {
	b, err := Probe(context.Background(), StrategyAuto, t.TempDir(), 4096)
	require.NoError(t, err)
	if CanCreateOnDevShm(4096) {
		assert.Equal(t, StrategyDevShm, b.Strategy())
	} else {
		assert.Equal(t, StrategyFile, b.Strategy())
	}
}

func TestCanCreateOnDevShm_HugeRequest(t *testing.T) {
	assert.False(t, CanCreateOnDevShm(^uint64(0)))
}

func TestUint32At(t *testing.T) {
	mem := make([]byte, 16)
	p := Uint32At(mem, 4)
	*p = 7
	assert.NotZero(t, mem[4]|mem[5]|mem[6]|mem[7])
	assert.Panics(t, func() { Uint32At(mem, 14) })
}

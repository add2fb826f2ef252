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

// Package shm contains platform-specific helpers for named shared memory
// objects: backing strategies, mapping and word access.
package shm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy names a backing strategy for shared memory objects.
type Strategy string

const (
	// StrategyAuto probes the host and picks the best available strategy.
	StrategyAuto Strategy = "auto"
	// StrategyDevShm places objects in the kernel shm namespace (/dev/shm).
	StrategyDevShm Strategy = "devshm"
	// StrategyFile places objects in a regular directory.
	StrategyFile Strategy = "file"
)

// ErrPlatformUnsupported is returned when the host supports neither strategy.
var ErrPlatformUnsupported = errors.New("shared memory channel is not supported on this platform")

// MapOptions defines options for opening or creating a shared memory object.
type MapOptions struct {
	// Name is the derived object name. It may contain a namespace separator.
	Name string
	// Size is the object size in bytes. When opening, 0 maps the whole object.
	Size int
	// Create creates the object. It fails if the object already exists.
	Create bool
	// Global makes a created object accessible to every user on the host.
	Global bool
}

// MappedRegion represents a memory-mapped shared object.
type MappedRegion struct {
	Addr []byte
	Path string
	fd   int
}

// Object is an opened, not yet mapped, shared memory object.
type Object struct {
	Path string
	Size int
	fd   int
}

// Backing creates, opens and removes named shared memory objects.
type Backing interface {
	Strategy() Strategy
	// Dir is the directory holding the objects.
	Dir() string
	// OpenOrCreate opens (or, with opts.Create, exclusively creates) an object.
	OpenOrCreate(ctx context.Context, opts MapOptions) (*Object, error)
	// Map maps obj into the address space and takes ownership of it.
	Map(obj *Object) (*MappedRegion, error)
	// Unmap unmaps the region and releases its descriptor.
	Unmap(region *MappedRegion) error
	// Remove unlinks the object name. Existing mappings stay valid.
	Remove(name string) error
	// ModTime returns the last modification time of the named object.
	ModTime(name string) (time.Time, error)
}

// MapRegion opens or creates the object described by opts and maps it.
func MapRegion(ctx context.Context, b Backing, opts MapOptions) (*MappedRegion, error) {
	obj, err := b.OpenOrCreate(ctx, opts)
	if err != nil {
		return nil, err
	}
	region, err := b.Map(obj)
	if err != nil {
		if opts.Create {
			_ = b.Remove(opts.Name)
		}
		return nil, fmt.Errorf("map %s: %w", opts.Name, err)
	}
	return region, nil
}

// UnmapRegion unmaps region. A nil region is a no-op.
func UnmapRegion(b Backing, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	return b.Unmap(region)
}

// FileName turns a derived object name into a single path element.
func FileName(name string) string {
	return strings.NewReplacer(`\`, ".", "/", ".").Replace(name)
}

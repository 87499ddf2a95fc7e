// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"github.com/gomlx/accelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Result of a Cache.Build.
type Result struct {
	Module   backends.Module
	Artifact []byte
	Key      Key

	// Hit is true if the module was loaded from a stored artifact, without compiling.
	Hit bool
}

// Stats of a Cache.
type Stats struct {
	Hits, Misses     int
	SoftMisses       int // Store read failures and stored artifacts that failed to load.
	Compiles         int
	CompileFailures  int
	StoreFailures    int
	BytesCompiled    uint64
	BytesFromStorage uint64
}

// Cache builds modules with a toolchain, reusing the artifacts kept in a Store.
type Cache struct {
	toolchain backends.ToolchainInterface
	store     Store
	stats     Stats
}

// New returns a Cache that compiles with toolchain. If store is nil every build compiles.
func New(toolchain backends.ToolchainInterface, store Store) *Cache {
	return &Cache{toolchain: toolchain, store: store}
}

// Store returns the store used by the cache, possibly nil.
func (c *Cache) Store() Store { return c.store }

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() Stats { return c.stats }

// Build returns the module for source compiled with options.
//
// If the store holds an artifact for the build Key and it loads, it is used. Otherwise, the source is compiled
// and the resulting artifact loaded and then persisted. Compilation failures are returned as they come from
// the toolchain (usually *backends.CompileError). Failing to persist the artifact is only logged.
func (c *Cache) Build(source string, options []string) (*Result, error) {
	key := ComputeKey(source, options)
	if c.store != nil {
		if module, artifact, ok := c.lookup(key); ok {
			c.stats.Hits++
			c.stats.BytesFromStorage += uint64(len(artifact))
			klog.V(1).Infof("buildcache: loaded build %s from storage", key)
			return &Result{Module: module, Artifact: artifact, Key: key, Hit: true}, nil
		}
		c.stats.Misses++
	}

	c.stats.Compiles++
	artifact, err := c.toolchain.Compile(source, options)
	if err != nil {
		c.stats.CompileFailures++
		return nil, err
	}
	c.stats.BytesCompiled += uint64(len(artifact))
	module, err := c.toolchain.LoadModule(artifact)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading freshly compiled build %s", key)
	}
	if c.store != nil {
		if err := c.store.Put(key, artifact); err != nil {
			c.stats.StoreFailures++
			klog.Warningf("buildcache: failed to store build %s: %v", key, err)
		}
	}
	return &Result{Module: module, Artifact: artifact, Key: key}, nil
}

// lookup tries to load the stored artifact for key. Any failure is a miss.
func (c *Cache) lookup(key Key) (backends.Module, []byte, bool) {
	artifact, found, err := c.store.Get(key)
	if err != nil {
		c.stats.SoftMisses++
		klog.Warningf("buildcache: failed to read build %s from storage, recompiling: %v", key, err)
		return nil, nil, false
	}
	if !found {
		return nil, nil, false
	}
	module, err := c.toolchain.LoadModule(artifact)
	if err != nil {
		c.stats.SoftMisses++
		klog.Warningf("buildcache: failed to load stored build %s, recompiling: %v", key, err)
		return nil, nil, false
	}
	return module, artifact, true
}

// Load loads a given artifact, bypassing the store and the compiler.
func (c *Cache) Load(artifact []byte) (*Result, error) {
	module, err := c.toolchain.LoadModule(artifact)
	if err != nil {
		return nil, errors.WithMessage(err, "loading artifact")
	}
	return &Result{Module: module, Artifact: artifact}, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/accelrt/pkg/buildcache"
	"github.com/gomlx/accelrt/pkg/devices"
	"github.com/gomlx/accelrt/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hasArchOption returns whether the options already select the target architecture.
func hasArchOption(options []string) bool {
	for _, opt := range options {
		if strings.HasPrefix(opt, "-arch") || strings.HasPrefix(opt, "--gpu-architecture") {
			return true
		}
	}
	return false
}

// BuildOptions returns the compiler options used to build the program for the context's device: the generated
// ones followed by the ones added to the configuration.
func (ctx *Context) BuildOptions() ([]string, error) {
	cfg := ctx.cfg
	var opts []string
	if !hasArchOption(cfg.compilerOptions) {
		arch, err := devices.Arch(ctx.device.Capability)
		if err != nil {
			return nil, err
		}
		opts = append(opts, "-arch", arch)
	}
	opts = append(opts, "-default-device")
	if ctx.debugging {
		opts = append(opts, "-G", "-lineinfo")
	} else {
		opts = append(opts, "--disable-warnings")
	}
	opts = append(opts, fmt.Sprintf("-Dmax_group_size=%d", ctx.limits.MaxGroupSize))
	for ii, param := range ctx.program.TuningParams {
		opts = append(opts, fmt.Sprintf("-D%s=%d", param.Var, ctx.tuningParams[ii]))
	}
	opts = append(opts,
		fmt.Sprintf("-DLOCKSTEP_WIDTH=%d", ctx.limits.LockstepWidth),
		fmt.Sprintf("-DMAX_THREADS_PER_BLOCK=%d", ctx.limits.MaxGroupSize))
	for _, path := range cfg.includePaths {
		opts = append(opts, "-I"+path)
	}
	opts = append(opts, cfg.compilerOptions...)
	return opts, nil
}

// dumpFile writes contents to path, after "~" expansion. Failures are only logged.
func dumpFile(path string, contents []byte) {
	err := fsutil.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(contents)
		return err
	})
	if err != nil {
		klog.Warningf("failed to write %q: %v", path, err)
	}
}

// buildModule builds (or loads) the module of the program. It panics with a *FatalError on failure.
func (ctx *Context) buildModule() {
	cfg := ctx.cfg
	source := ctx.program.Source()
	if cfg.loadProgramFrom != "" {
		contents, err := fsutil.ReadFile(cfg.loadProgramFrom)
		check(err, "reading program from %q", cfg.loadProgramFrom)
		source = string(contents)
	}
	if cfg.dumpProgramTo != "" {
		dumpFile(cfg.dumpProgramTo, []byte(source))
	}

	var result *buildcache.Result
	if cfg.loadArtifactFrom != "" {
		if cfg.loadProgramFrom != "" {
			klog.Warningf("using artifact from %q instead of program from %q", cfg.loadArtifactFrom, cfg.loadProgramFrom)
		}
		artifact, err := fsutil.ReadFile(cfg.loadArtifactFrom)
		check(err, "reading artifact from %q", cfg.loadArtifactFrom)
		result, err = ctx.cache.Load(artifact)
		check(err, "backend.LoadModule(<artifact from %q>)", cfg.loadArtifactFrom)

	} else {
		opts, err := ctx.BuildOptions()
		check(err, "selecting the architecture of device %s", ctx.device)
		ctx.emit(EventBuildOptions, "compiler options: %s", strings.Join(opts, " "))
		result, err = ctx.cache.Build(source, opts)
		check(err, "building program %q", ctx.program.Name)
		if ctx.cache.Store() != nil {
			if result.Hit {
				ctx.emit(EventCacheHit, "restored build %s from %s", result.Key, cfg.cacheFile)
			} else {
				ctx.emit(EventCacheMiss, "compiled build %s, cached in %s", result.Key, cfg.cacheFile)
			}
		}
	}
	if cfg.dumpArtifactTo != "" {
		dumpFile(cfg.dumpArtifactTo, result.Artifact)
	}
	ctx.build = result
	ctx.module = result.Module
	ctx.emit(EventModuleLoaded, "loaded module %s", result.Module.Name())
}

// openCache creates the build cache of the context, from the configured cache file.
func (ctx *Context) openCache() {
	var store buildcache.Store
	if ctx.cfg.cacheFile != "" {
		var err error
		store, err = buildcache.Open(ctx.cfg.cacheFile)
		if err != nil {
			klog.Warningf("build cache %q disabled: %v", ctx.cfg.cacheFile, errors.Cause(err))
			store = nil
		}
	}
	ctx.cache = buildcache.New(ctx.backend, store)
}

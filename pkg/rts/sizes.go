// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"strings"

	"github.com/gomlx/accelrt/pkg/devices"
)

// Sizes are the default values of the tuning parameter classes, after being fitted to the device.
type Sizes struct {
	GroupSize, NumGroups, TileSize, RegTileSize, Threshold int64
}

// setupSizes fits the configured defaults to the device limits, and resolves the value of every tuning
// parameter of the program.
//
// The configuration is not modified: the results are returned.
func (ctx *Context) setupSizes() (Sizes, []int64) {
	cfg, limits := ctx.cfg, ctx.limits
	sizes := Sizes{
		GroupSize:   cfg.defaultGroupSize,
		NumGroups:   cfg.defaultNumGroups,
		TileSize:    cfg.defaultTileSize,
		RegTileSize: cfg.defaultRegTileSize,
		Threshold:   cfg.defaultThreshold,
	}
	clampDefault := func(name string, value *int64, limit int64, changed bool) {
		if limit > 0 && *value > limit {
			if changed {
				ctx.note("Device limits default %s to %d (down from %d).", name, limit, *value)
			}
			*value = limit
		}
	}
	clampDefault("group size", &sizes.GroupSize, limits.MaxGroupSize, cfg.groupSizeChanged)
	clampDefault("number of groups", &sizes.NumGroups, limits.MaxNumGroups, cfg.numGroupsChanged)
	clampDefault("tile size", &sizes.TileSize, limits.MaxTileSize, cfg.tileSizeChanged)

	if !cfg.numGroupsChanged && sizes.GroupSize > 0 {
		sizes.NumGroups = limits.MultiprocessorCount * limits.MaxThreadsPerMultiprocessor / sizes.GroupSize
	}

	params := make([]int64, len(cfg.tuningParams))
	for ii, param := range ctx.program.TuningParams {
		value := cfg.tuningParams[ii]
		maxValue, defaultValue := paramLimits(param, sizes, limits)
		switch {
		case value == 0:
			value = defaultValue
		case maxValue > 0 && value > maxValue:
			ctx.note("Device limits %s to %d (down from %d).", param.Name, maxValue, value)
			value = maxValue
		}
		params[ii] = value
	}
	return sizes, params
}

// paramLimits returns the maximum (0 for no limit) and the default value of a tuning parameter, according to
// its class.
func paramLimits(param TuningParam, sizes Sizes, limits devices.Limits) (maxValue, defaultValue int64) {
	switch {
	case strings.HasPrefix(param.Class, ClassGroupSize):
		return limits.MaxGroupSize, sizes.GroupSize
	case strings.HasPrefix(param.Class, ClassNumGroups):
		defaultValue = sizes.NumGroups
		// Histograms use twice as many threads by default.
		if strings.Contains(param.Name, ".seghist_") {
			defaultValue *= 2
		}
		return limits.MaxNumGroups, defaultValue
	case strings.HasPrefix(param.Class, ClassTileSize):
		return limits.MaxTileSize, sizes.TileSize
	case strings.HasPrefix(param.Class, ClassRegTileSize):
		return 0, sizes.RegTileSize
	case strings.HasPrefix(param.Class, ClassThreshold):
		return limits.MaxThreshold, sizes.Threshold
	default:
		// Bespoke.
		return limits.MaxBespoke, 0
	}
}

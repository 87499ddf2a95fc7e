// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"slices"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/accelrt/pkg/devices"
	"github.com/gomlx/accelrt/pkg/support/fsutil"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Default sizes, used when the configuration doesn't set them.
const (
	DefaultGroupSize   = 256
	DefaultTileSize    = 32
	DefaultRegTileSize = 2
	DefaultThreshold   = 32 * 1024
)

// DefaultIncludePaths passed to the compiler.
var DefaultIncludePaths = []string{"/usr/local/cuda/include", "/usr/include"}

// Config of an execution Context.
//
// A Config can be bound to only one Context at a time: it is bound by New, and released by Context.Free.
// Settings are read while the Context is created. The debugging and profiling flags are copied by New, so changing
// them afterwards has no effect on the Context.
type Config struct {
	program *Program
	inUse   atomic.Bool

	debugging, profiling, logging bool

	device    devices.Preference
	cacheFile string

	dumpProgramTo, loadProgramFrom   string
	dumpArtifactTo, loadArtifactFrom string

	compilerOptions []string
	includePaths    []string

	defaultGroupSize, defaultNumGroups, defaultTileSize int64
	defaultRegTileSize, defaultThreshold                int64

	// The clamping of changed defaults to the device limits is reported.
	groupSizeChanged, numGroupsChanged, tileSizeChanged bool

	tuningParams []int64

	sink           EventSink
	registerer     prometheus.Registerer
	limitOverrides devices.Limits
}

// NewConfig creates a configuration for the given program, with the default values.
func NewConfig(program *Program) *Config {
	cfg := &Config{
		program:            program,
		includePaths:       slices.Clone(DefaultIncludePaths),
		defaultGroupSize:   DefaultGroupSize,
		defaultTileSize:    DefaultTileSize,
		defaultRegTileSize: DefaultRegTileSize,
		defaultThreshold:   DefaultThreshold,
		tuningParams:       make([]int64, len(program.TuningParams)),
	}
	for ii, param := range program.TuningParams {
		cfg.tuningParams[ii] = param.Default
	}
	return cfg
}

// Program configured.
func (cfg *Config) Program() *Program { return cfg.program }

// InUse returns whether the configuration is bound to a Context.
func (cfg *Config) InUse() bool { return cfg.inUse.Load() }

// bind marks the configuration as in use. Binding a configuration twice is a programming error, and it panics.
func (cfg *Config) bind() {
	if !cfg.inUse.CompareAndSwap(false, true) {
		exceptions.Panicf("rts.Config for program %q is already in use by another Context", cfg.program.Name)
	}
}

func (cfg *Config) unbind() {
	cfg.inUse.Store(false)
}

// SetDebugging enables debugging: the program is compiled with debug information and the memory operations
// are reported to the event sink.
func (cfg *Config) SetDebugging(debugging bool) *Config {
	cfg.debugging = debugging
	return cfg
}

// SetProfiling enables the collection of kernel run times.
func (cfg *Config) SetProfiling(profiling bool) *Config {
	cfg.profiling = profiling
	return cfg
}

// SetLogging enables the logging of the lifecycle events with klog. It is ignored if SetEventSink is used.
func (cfg *Config) SetLogging(logging bool) *Config {
	cfg.logging = logging
	return cfg
}

// SetDevice sets the device preference, in the format accepted by devices.ParsePreference.
func (cfg *Config) SetDevice(preference string) *Config {
	cfg.device = devices.ParsePreference(preference)
	return cfg
}

// SetCacheFile sets the path of the build cache, see buildcache.Open. Empty disables the cache.
func (cfg *Config) SetCacheFile(path string) *Config {
	cfg.cacheFile = path
	return cfg
}

// DumpProgramTo writes the source of the program to the given file when building it.
func (cfg *Config) DumpProgramTo(path string) *Config {
	cfg.dumpProgramTo = path
	return cfg
}

// LoadProgramFrom builds the source in the given file instead of the program's.
func (cfg *Config) LoadProgramFrom(path string) *Config {
	cfg.loadProgramFrom = path
	return cfg
}

// DumpArtifactTo writes the compiled artifact to the given file.
func (cfg *Config) DumpArtifactTo(path string) *Config {
	cfg.dumpArtifactTo = path
	return cfg
}

// LoadArtifactFrom loads the given compiled artifact, skipping the build cache and the compiler.
func (cfg *Config) LoadArtifactFrom(path string) *Config {
	cfg.loadArtifactFrom = path
	return cfg
}

// AddCompilerOption appends an option passed to the compiler after the generated ones.
func (cfg *Config) AddCompilerOption(option string) *Config {
	cfg.compilerOptions = append(cfg.compilerOptions, option)
	return cfg
}

// SetIncludePaths replaces the include paths passed to the compiler.
func (cfg *Config) SetIncludePaths(paths ...string) *Config {
	cfg.includePaths = slices.Clone(paths)
	return cfg
}

// SetDefaultGroupSize sets the default of tuning parameters of class group size.
func (cfg *Config) SetDefaultGroupSize(size int64) *Config {
	cfg.defaultGroupSize = size
	cfg.groupSizeChanged = true
	return cfg
}

// SetDefaultNumGroups sets the default of tuning parameters of class number of groups.
// If not set, it is derived from the device.
func (cfg *Config) SetDefaultNumGroups(num int64) *Config {
	cfg.defaultNumGroups = num
	cfg.numGroupsChanged = true
	return cfg
}

// SetDefaultTileSize sets the default of tuning parameters of class tile size.
func (cfg *Config) SetDefaultTileSize(size int64) *Config {
	cfg.defaultTileSize = size
	cfg.tileSizeChanged = true
	return cfg
}

// SetDefaultRegTileSize sets the default of tuning parameters of class register tile size.
func (cfg *Config) SetDefaultRegTileSize(size int64) *Config {
	cfg.defaultRegTileSize = size
	return cfg
}

// SetDefaultThreshold sets the default of tuning parameters of class threshold.
func (cfg *Config) SetDefaultThreshold(threshold int64) *Config {
	cfg.defaultThreshold = threshold
	return cfg
}

// SetTuningParam sets a tuning parameter of the program by name, or one of the defaults with the names
// "default_group_size", "default_num_groups", "default_tile_size", "default_reg_tile_size" and
// "default_threshold".
//
// Setting a default by name doesn't count as a change to be reported when it is clamped.
func (cfg *Config) SetTuningParam(name string, value int64) error {
	if idx := cfg.program.tuningParamIndex(name); idx >= 0 {
		cfg.tuningParams[idx] = value
		return nil
	}
	switch name {
	case "default_group_size":
		cfg.defaultGroupSize = value
	case "default_num_groups":
		cfg.defaultNumGroups = value
	case "default_tile_size":
		cfg.defaultTileSize = value
	case "default_reg_tile_size":
		cfg.defaultRegTileSize = value
	case "default_threshold":
		cfg.defaultThreshold = value
	default:
		return errors.Errorf("unknown tuning parameter %q for program %q", name, cfg.program.Name)
	}
	return nil
}

// TuningParam returns the configured value of the named tuning parameter of the program.
func (cfg *Config) TuningParam(name string) (int64, bool) {
	idx := cfg.program.tuningParamIndex(name)
	if idx < 0 {
		return 0, false
	}
	return cfg.tuningParams[idx], true
}

// SetEventSink sets where the lifecycle events are reported. It takes precedence over SetLogging.
func (cfg *Config) SetEventSink(sink EventSink) *Config {
	cfg.sink = sink
	return cfg
}

// SetMetricsRegisterer sets where the metrics of the Context are registered. nil (the default) disables them.
func (cfg *Config) SetMetricsRegisterer(registerer prometheus.Registerer) *Config {
	cfg.registerer = registerer
	return cfg
}

// LimitOverrides sets device limits that take precedence over the ones queried from the device.
// Only the non-zero fields are used.
func (cfg *Config) LimitOverrides(limits devices.Limits) *Config {
	cfg.limitOverrides = limits
	return cfg
}

// eventSink returns the sink to use for a new context.
func (cfg *Config) eventSink() EventSink {
	if cfg.sink != nil {
		return cfg.sink
	}
	if cfg.logging {
		return KlogSink{}
	}
	return NopSink{}
}

// fileConfig is the format of configuration files.
type fileConfig struct {
	Debugging        *bool            `toml:"debugging"`
	Profiling        *bool            `toml:"profiling"`
	Logging          *bool            `toml:"logging"`
	Device           *string          `toml:"device"`
	CacheFile        *string          `toml:"cache_file"`
	DumpProgramTo    *string          `toml:"dump_program_to"`
	LoadProgramFrom  *string          `toml:"load_program_from"`
	DumpArtifactTo   *string          `toml:"dump_artifact_to"`
	LoadArtifactFrom *string          `toml:"load_artifact_from"`
	CompilerOptions  []string         `toml:"compiler_options"`
	IncludePaths     []string         `toml:"include_paths"`
	Tuning           map[string]int64 `toml:"tuning"`
	Limits           *fileLimits      `toml:"limits"`
}

type fileLimits struct {
	MaxGroupSize    int64 `toml:"max_group_size"`
	MaxNumGroups    int64 `toml:"max_num_groups"`
	MaxTileSize     int64 `toml:"max_tile_size"`
	MaxThreshold    int64 `toml:"max_threshold"`
	MaxSharedMemory int64 `toml:"max_shared_memory"`
	MaxBespoke      int64 `toml:"max_bespoke"`
	LockstepWidth   int64 `toml:"lockstep_width"`
}

// LoadConfigFile creates a configuration for program, with the values of the TOML file at path.
func LoadConfigFile(program *Program, path string) (*Config, error) {
	cfg := NewConfig(program)
	if err := cfg.ApplyFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile sets the values found in the TOML file at path ("~" is expanded). Example:
//
//	debugging = true
//	device = "#1 Tesla"
//	cache_file = "~/.cache/accelrt/"
//	compiler_options = ["-DFAST_MATH"]
//
//	[tuning]
//	default_group_size = 128
//	"main.segmap_group_size_4" = 512
//
//	[limits]
//	max_group_size = 512
//
// Unknown keys and unknown tuning parameters are errors. Compiler options are appended to the existing ones.
func (cfg *Config) ApplyFile(path string) error {
	expanded, err := fsutil.ExpandHome(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	meta, err := toml.DecodeFile(expanded, &fc)
	if err != nil {
		return errors.Wrapf(err, "reading configuration file %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("unknown keys in configuration file %q: %v", path, undecoded)
	}
	return cfg.apply(&fc)
}

func (cfg *Config) apply(fc *fileConfig) error {
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setBool(&cfg.debugging, fc.Debugging)
	setBool(&cfg.profiling, fc.Profiling)
	setBool(&cfg.logging, fc.Logging)
	if fc.Device != nil {
		cfg.SetDevice(*fc.Device)
	}
	setString(&cfg.cacheFile, fc.CacheFile)
	setString(&cfg.dumpProgramTo, fc.DumpProgramTo)
	setString(&cfg.loadProgramFrom, fc.LoadProgramFrom)
	setString(&cfg.dumpArtifactTo, fc.DumpArtifactTo)
	setString(&cfg.loadArtifactFrom, fc.LoadArtifactFrom)
	cfg.compilerOptions = append(cfg.compilerOptions, fc.CompilerOptions...)
	if fc.IncludePaths != nil {
		cfg.SetIncludePaths(fc.IncludePaths...)
	}
	for name, value := range fc.Tuning {
		if err := cfg.SetTuningParam(name, value); err != nil {
			return err
		}
	}
	if fc.Limits != nil {
		cfg.limitOverrides = devices.Limits{
			MaxGroupSize:    fc.Limits.MaxGroupSize,
			MaxNumGroups:    fc.Limits.MaxNumGroups,
			MaxTileSize:     fc.Limits.MaxTileSize,
			MaxThreshold:    fc.Limits.MaxThreshold,
			MaxSharedMemory: fc.Limits.MaxSharedMemory,
			MaxBespoke:      fc.Limits.MaxBespoke,
			LockstepWidth:   fc.Limits.LockstepWidth,
		}
	}
	return nil
}

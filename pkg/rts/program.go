// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"fmt"
	"strings"

	"github.com/gomlx/accelrt/pkg/support/sets"
	"github.com/pkg/errors"
)

// Size classes of tuning parameters. A class is matched by prefix: "group_size_2" is a group size.
const (
	ClassGroupSize   = "group_size"
	ClassNumGroups   = "num_groups"
	ClassTileSize    = "tile_size"
	ClassRegTileSize = "reg_tile_size"
	ClassThreshold   = "threshold"
)

// TuningParam is a program constant that is only fixed when the device is known.
type TuningParam struct {
	// Name used to set it in a Config, e.g.: "main.segmap_group_size_4".
	Name string

	// Var is the preprocessor variable defined with the value, e.g.: "segmap_group_size_4".
	Var string

	// Class determines the default value and the device limit that applies. Classes not
	// matching any of the Class* prefixes are bespoke: no default and no limit.
	Class string

	// Default value. Zero means the default of its class.
	Default int64
}

// Failure that a program may signal from the device.
type Failure struct {
	// Format of the message, in fmt.Sprintf format, taking NumArgs int64 arguments.
	Format  string
	NumArgs int
}

// Program describes the device code generated for a program, and everything the runtime needs to know about it.
type Program struct {
	Name string

	// Fragments of the source code, concatenated to form the full source.
	Fragments []string

	TuningParams []TuningParam

	// Failures indexed by the failure number the device code writes in the failure region.
	Failures []Failure

	// MaxFailureArgs is the maximum number of arguments of any failure.
	MaxFailureArgs int
}

// Source returns the concatenation of the fragments.
func (p *Program) Source() string {
	return strings.Join(p.Fragments, "")
}

// Validate checks the consistency of the program description.
func (p *Program) Validate() error {
	if p.MaxFailureArgs < 0 {
		return errors.Errorf("program %q: negative MaxFailureArgs=%d", p.Name, p.MaxFailureArgs)
	}
	for ii, f := range p.Failures {
		if f.NumArgs < 0 || f.NumArgs > p.MaxFailureArgs {
			return errors.Errorf("program %q: failure #%d takes %d arguments, but MaxFailureArgs=%d",
				p.Name, ii, f.NumArgs, p.MaxFailureArgs)
		}
	}
	names := sets.Make[string](len(p.TuningParams))
	for _, param := range p.TuningParams {
		if param.Name == "" || param.Var == "" {
			return errors.Errorf("program %q: tuning parameter with empty name or variable (%+v)", p.Name, param)
		}
		if !names.Add(param.Name) {
			return errors.Errorf("program %q: tuning parameter %q defined more than once", p.Name, param.Name)
		}
	}
	return nil
}

// tuningParamIndex returns the index of the tuning parameter with the given name, or -1.
func (p *Program) tuningParamIndex(name string) int {
	for ii, param := range p.TuningParams {
		if param.Name == name {
			return ii
		}
	}
	return -1
}

// FailureMessage formats the message of failure idx with its arguments.
// Extra arguments are ignored.
func (p *Program) FailureMessage(idx int, args []int64) string {
	if idx < 0 || idx >= len(p.Failures) {
		return fmt.Sprintf("unknown failure #%d", idx)
	}
	f := p.Failures[idx]
	fmtArgs := make([]any, f.NumArgs)
	for ii := range fmtArgs {
		if ii < len(args) {
			fmtArgs[ii] = args[ii]
		} else {
			fmtArgs[ii] = int64(0)
		}
	}
	return fmt.Sprintf(f.Format, fmtArgs...)
}

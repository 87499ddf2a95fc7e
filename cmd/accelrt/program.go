package main

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/accelrt/pkg/rts"
	"github.com/gomlx/accelrt/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// programFile is the TOML description of a program. Example:
//
//	name = "reduce"
//	sources = ["prelude.cu", "reduce.cu"]
//	max_failure_args = 2
//
//	[[tuning]]
//	name = "main.segred_group_size_1"
//	var = "segred_group_size_1"
//	class = "group_size"
//
//	[[failures]]
//	format = "Index [%d] out of bounds for array of shape [%d]."
//	args = 2
//
// Source files are relative to the description file. Inline source text can be given with "source", and is
// placed after the files.
type programFile struct {
	Name           string   `toml:"name"`
	Sources        []string `toml:"sources"`
	Source         string   `toml:"source"`
	MaxFailureArgs int      `toml:"max_failure_args"`
	Tuning         []struct {
		Name    string `toml:"name"`
		Var     string `toml:"var"`
		Class   string `toml:"class"`
		Default int64  `toml:"default"`
	} `toml:"tuning"`
	Failures []struct {
		Format string `toml:"format"`
		Args   int    `toml:"args"`
	} `toml:"failures"`
}

// LoadProgramFile reads a program description.
func LoadProgramFile(path string) (*rts.Program, error) {
	expanded, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	var pf programFile
	meta, err := toml.DecodeFile(expanded, &pf)
	if err != nil {
		return nil, errors.Wrapf(err, "reading program description %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown keys in program description %q: %v", path, undecoded)
	}
	program := &rts.Program{Name: pf.Name, MaxFailureArgs: pf.MaxFailureArgs}
	if program.Name == "" {
		program.Name = filepath.Base(path)
	}
	baseDir := filepath.Dir(expanded)
	for _, source := range pf.Sources {
		if !filepath.IsAbs(source) {
			source = filepath.Join(baseDir, source)
		}
		contents, err := fsutil.ReadFile(source)
		if err != nil {
			return nil, errors.WithMessagef(err, "program %q", program.Name)
		}
		program.Fragments = append(program.Fragments, string(contents))
	}
	if pf.Source != "" {
		program.Fragments = append(program.Fragments, pf.Source)
	}
	for _, t := range pf.Tuning {
		program.TuningParams = append(program.TuningParams,
			rts.TuningParam{Name: t.Name, Var: t.Var, Class: t.Class, Default: t.Default})
	}
	for _, f := range pf.Failures {
		program.Failures = append(program.Failures, rts.Failure{Format: f.Format, NumArgs: f.Args})
	}
	if err := program.Validate(); err != nil {
		return nil, err
	}
	return program, nil
}

// builtinProgram is used when no program is given: a map and a reduction with one bounds check.
func builtinProgram() *rts.Program {
	return &rts.Program{
		Name: "builtin",
		Fragments: []string{
			"// Map kernel.\n__global__ void map_1(int n, float *xs) { /* ... */ }\n",
			"// Reduction kernel.\n__global__ void segred_2(int n, const float *xs, float *out) { /* ... */ }\n",
		},
		TuningParams: []rts.TuningParam{
			{Name: "main.segmap_group_size_1", Var: "segmap_group_size_1", Class: rts.ClassGroupSize},
			{Name: "main.segred_group_size_2", Var: "segred_group_size_2", Class: rts.ClassGroupSize},
			{Name: "main.segred_num_groups_2", Var: "segred_num_groups_2", Class: rts.ClassNumGroups},
			{Name: "main.suff_outer_par_3", Var: "suff_outer_par_3", Class: rts.ClassThreshold},
		},
		Failures: []rts.Failure{
			{Format: "Index [%d] out of bounds for array of shape [%d].", NumArgs: 2},
		},
		MaxFailureArgs: 2,
	}
}

// accelrt inspects devices and exercises the accelrt runtime from the command line: it lists the devices of
// a backend, builds programs through the build cache, compares tuning configurations and simulates allocation
// workloads.
//
// Without a --backend flag the backend is taken from $ACCELRT_BACKEND, and falls back to the simulated "fake"
// backend.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/accelrt/backends"
	_ "github.com/gomlx/accelrt/backends/default"
	"github.com/gomlx/accelrt/pkg/rts"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "accelrt",
	Short: "Accelerator runtime tool",
	Long: `accelrt drives the accelrt runtime over any registered backend: device listing and selection,
program builds with the persistent build cache, tuning comparisons and allocator simulations.`,
	SilenceUsage: true,
}

var (
	flagBackend string
	flagConfig  string
	flagProgram string
	flagDevice  string
)

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "",
		`backend configuration "<name>:<config>", e.g. "fake:devices=A@7.5,B@8.6;capacity=1GiB"`)
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "TOML runtime configuration file")
	rootCmd.PersistentFlags().StringVar(&flagProgram, "program", "",
		"TOML program description; a small built-in program is used if not given")
	rootCmd.PersistentFlags().StringVar(&flagDevice, "device", "",
		`device preference "#<n> <substring>", overrides the configuration file`)

	rootCmd.AddCommand(devicesCmd, buildCmd, tuneCmd, allocSimCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newBackend creates the backend selected with --backend, or the default one.
func newBackend() backends.Backend {
	var backend backends.Backend
	var err error
	if flagBackend != "" {
		backend, err = backends.NewWithConfig(flagBackend)
	} else {
		backend, err = backends.New()
	}
	if err != nil {
		klog.Fatalf("Failed to create backend: %+v", err)
	}
	return backend
}

// loadProgram reads the program given with --program, or returns the built-in one.
func loadProgram() *rts.Program {
	if flagProgram == "" {
		return builtinProgram()
	}
	program, err := LoadProgramFile(flagProgram)
	if err != nil {
		klog.Fatalf("Failed to load program: %+v", err)
	}
	return program
}

// newConfig returns the configuration for program, read from --config if given, with the command-line
// overrides applied.
func newConfig(program *rts.Program) *rts.Config {
	cfg := rts.NewConfig(program)
	if flagConfig != "" {
		if err := cfg.ApplyFile(flagConfig); err != nil {
			klog.Fatalf("Failed to read configuration: %+v", err)
		}
	}
	if flagDevice != "" {
		cfg.SetDevice(flagDevice)
	}
	return cfg
}

// newContext creates the execution context, exiting on failure.
func newContext(cfg *rts.Config, backend backends.Backend) *rts.Context {
	ctx, err := rts.New(cfg, backend)
	if err != nil {
		klog.Fatalf("Failed to create context: %v", err)
	}
	return ctx
}

// freeContext frees ctx, exiting on failure.
func freeContext(ctx *rts.Context) {
	if err := ctx.Free(); err != nil {
		klog.Fatalf("Failed to free context: %+v", err)
	}
}

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/pkg/rts"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the program for the selected device, through the build cache",
	Long: `build creates an execution context for the program: it selects the device, fits the tuning
parameters to it, and compiles the program (or restores it from the build cache). It then reports the
resolved sizes and compiler options, and frees the context.`,
	Args: cobra.NoArgs,
	Run:  runBuild,
}

var (
	flagBuildCache        string
	flagBuildDumpProgram  string
	flagBuildDumpArtifact string
	flagBuildDebugging    bool
	flagBuildLogging      bool
	flagBuildParams       []string
	flagBuildMetrics      bool
)

func init() {
	buildCmd.Flags().StringVar(&flagBuildCache, "cache", "",
		"build cache: a file, or a directory (path ending with \"/\") holding one file per build")
	buildCmd.Flags().StringVar(&flagBuildDumpProgram, "dump-program", "", "write the program source to this file")
	buildCmd.Flags().StringVar(&flagBuildDumpArtifact, "dump-artifact", "", "write the compiled artifact to this file")
	buildCmd.Flags().BoolVar(&flagBuildDebugging, "debugging", false, "build with debugging information")
	buildCmd.Flags().BoolVar(&flagBuildLogging, "logging", false, "log the context lifecycle events")
	buildCmd.Flags().StringSliceVar(&flagBuildParams, "set", nil,
		"tuning parameter values, as name=value (e.g. default_group_size=128)")
	buildCmd.Flags().BoolVar(&flagBuildMetrics, "metrics", false, "print the context metrics after the build")
}

// parseParams parses "name=value" pairs and sets them in cfg.
func parseParams(cfg *rts.Config, pairs []string) error {
	for _, pair := range pairs {
		name, valueStr, found := strings.Cut(pair, "=")
		if !found {
			return errors.Errorf("invalid tuning parameter %q, expected name=value", pair)
		}
		value, err := strconv.ParseInt(strings.TrimSpace(valueStr), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "tuning parameter %q", name)
		}
		if err := cfg.SetTuningParam(strings.TrimSpace(name), value); err != nil {
			return err
		}
	}
	return nil
}

func runBuild(_ *cobra.Command, _ []string) {
	program := loadProgram()
	cfg := newConfig(program)
	if flagBuildCache != "" {
		cfg.SetCacheFile(flagBuildCache)
	}
	if flagBuildDumpProgram != "" {
		cfg.DumpProgramTo(flagBuildDumpProgram)
	}
	if flagBuildDumpArtifact != "" {
		cfg.DumpArtifactTo(flagBuildDumpArtifact)
	}
	if flagBuildDebugging {
		cfg.SetDebugging(true)
	}
	if flagBuildLogging {
		cfg.SetLogging(true)
	}
	if err := parseParams(cfg, flagBuildParams); err != nil {
		klog.Fatalf("%+v", err)
	}
	var registry *prometheus.Registry
	if flagBuildMetrics {
		registry = prometheus.NewRegistry()
		cfg.SetMetricsRegisterer(registry)
	}

	backend := newBackend()
	defer backend.Finalize()
	ctx := newContext(cfg, backend)
	build := ctx.BuildResult()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Program %q on %s", program.Name, ctx.Device())))
	summary := newTable(nil, lipgloss.Left)
	summary.Row(false, "context", ctx.ID().String())
	summary.Row(false, "build key", build.Key.String())
	summary.Row(build.Hit, "from cache", strconv.FormatBool(build.Hit))
	summary.Row(false, "artifact", humanize.IBytes(uint64(len(build.Artifact))))
	summary.Row(false, "module", ctx.Module().Name())
	sizes := ctx.Sizes()
	summary.Row(false, "default group size", humanize.Comma(sizes.GroupSize))
	summary.Row(false, "default number of groups", humanize.Comma(sizes.NumGroups))
	summary.Row(false, "default tile size", humanize.Comma(sizes.TileSize))
	summary.Row(false, "default threshold", humanize.Comma(sizes.Threshold))
	if opts, err := ctx.BuildOptions(); err == nil {
		summary.Row(false, "compiler options", strings.Join(opts, " "))
	}
	fmt.Println(summary.Render())

	if len(program.TuningParams) > 0 {
		fmt.Println(titleStyle.Render("Tuning parameters"))
		params := newTable([]string{"Name", "Class", "Value"}, lipgloss.Left, lipgloss.Left, lipgloss.Right)
		for ii, param := range program.TuningParams {
			class := param.Class
			if class == "" {
				class = "bespoke"
			}
			params.Row(false, param.Name, class, humanize.Comma(ctx.TuningParams()[ii]))
		}
		fmt.Println(params.Render())
	}

	if registry != nil {
		printMetrics(registry)
	}
	freeContext(ctx)
}

// printMetrics prints the current value of every metric in registry.
func printMetrics(registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		klog.Errorf("Failed to gather metrics: %v", err)
		return
	}
	fmt.Println(titleStyle.Render("Metrics"))
	table := newTable([]string{"Metric", "Labels", "Value"}, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var labels []string
			for _, label := range metric.GetLabel() {
				labels = append(labels, label.GetName()+"="+label.GetValue())
			}
			var value float64
			switch {
			case metric.GetCounter() != nil:
				value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				value = metric.GetGauge().GetValue()
			}
			table.Row(false, family.GetName(), strings.Join(labels, ","), strconv.FormatFloat(value, 'f', -1, 64))
		}
	}
	fmt.Println(table.Render())
}

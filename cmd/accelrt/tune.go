package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/internal/workerspool"
	"github.com/gomlx/accelrt/pkg/rts"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Build the program with several default group sizes and compare the resolved sizes",
	Long: `tune creates one execution context per candidate default group size, in parallel, and reports
how each candidate was fitted to the device: the effective group size, the derived number of groups and
the value of every tuning parameter. Candidates exceeding the device limits are clamped.`,
	Args: cobra.NoArgs,
	Run:  runTune,
}

var (
	flagTuneGroupSizes  []int64
	flagTuneParallelism int
	flagTuneCache       string
	flagTuneProgress    bool
)

func init() {
	tuneCmd.Flags().Int64SliceVar(&flagTuneGroupSizes, "group-sizes", []int64{64, 128, 256, 512, 1024},
		"candidate default group sizes")
	tuneCmd.Flags().IntVar(&flagTuneParallelism, "parallelism", 0,
		"number of contexts created at the same time, 0 for the number of CPUs")
	tuneCmd.Flags().StringVar(&flagTuneCache, "cache", "", "build cache shared by the candidates")
	tuneCmd.Flags().BoolVar(&flagTuneProgress, "progress", true, "display a progress bar while the candidates are built")
}

// tuneResult of one candidate.
type tuneResult struct {
	requested int64
	sizes     rts.Sizes
	params    []int64
	key       string
	hit       bool
	err       error
}

func runTune(_ *cobra.Command, _ []string) {
	program := loadProgram()
	backend := newBackend()
	defer backend.Finalize()

	var progress io.Writer
	if flagTuneProgress {
		progress = os.Stderr
	}
	results := tuneCandidates(program, backend, flagTuneGroupSizes, progress)

	fmt.Println(titleStyle.Render(fmt.Sprintf("Program %q: %d candidates", program.Name, len(results))))
	headers := []string{"Requested", "Group size", "Groups", "Build", "Cached"}
	for _, param := range program.TuningParams {
		headers = append(headers, param.Name)
	}
	table := newTable(headers, lipgloss.Right)
	for _, r := range results {
		if r.err != nil {
			klog.Errorf("Candidate group size %d failed: %v", r.requested, r.err)
			continue
		}
		row := []string{humanize.Comma(r.requested), humanize.Comma(r.sizes.GroupSize),
			humanize.Comma(r.sizes.NumGroups), r.key[:12], strconv.FormatBool(r.hit)}
		for _, value := range r.params {
			row = append(row, humanize.Comma(value))
		}
		table.Row(r.sizes.GroupSize != r.requested, row...)
	}
	fmt.Println(table.Render())
}

// progressbarStyle used by the tune progress bar.
var progressbarStyle = progressbar.ThemeASCII

// newProgressBar returns a bar for numCandidates written to w, or a silent one if w is nil.
func newProgressBar(numCandidates int, w io.Writer) *progressbar.ProgressBar {
	if w == nil {
		return progressbar.NewOptions(numCandidates, progressbar.OptionSetVisibility(false))
	}
	return progressbar.NewOptions(numCandidates,
		progressbar.OptionSetDescription("Tuning"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetTheme(progressbarStyle),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("candidates"),
		progressbar.OptionClearOnFinish(),
	)
}

// tuneCandidates builds every candidate on a workerspool limited to --parallelism, advancing a progress bar
// written to progress (if not nil) as each one finishes.
func tuneCandidates(program *rts.Program, backend backends.Backend, groupSizes []int64, progress io.Writer) []tuneResult {
	results := make([]tuneResult, len(groupSizes))
	bar := newProgressBar(len(groupSizes), progress)
	pool := workerspool.New(flagTuneParallelism)
	pool.Run(len(results), func(ii int) {
		results[ii] = tuneCandidate(program, backend, groupSizes[ii])
		if err := bar.Add(1); err != nil {
			klog.V(1).Infof("progress bar: %v", err)
		}
	})
	if err := bar.Finish(); err != nil {
		klog.V(1).Infof("progress bar: %v", err)
	}
	return results
}

// tuneCandidate creates and frees a context with the given default group size.
func tuneCandidate(program *rts.Program, backend backends.Backend, groupSize int64) tuneResult {
	r := tuneResult{requested: groupSize}
	cfg := newConfig(program).SetDefaultGroupSize(groupSize)
	if flagTuneCache != "" {
		cfg.SetCacheFile(flagTuneCache)
	}
	ctx, err := rts.New(cfg, backend)
	if err != nil {
		r.err = err
		return r
	}
	r.sizes = ctx.Sizes()
	r.params = ctx.TuningParams()
	r.key = ctx.BuildResult().Key.String()
	r.hit = ctx.BuildResult().Hit
	r.err = ctx.Free()
	return r
}

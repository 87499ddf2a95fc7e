package main

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/pkg/memory"
	"github.com/gomlx/accelrt/pkg/rts"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var allocSimCmd = &cobra.Command{
	Use:   "alloc-sim",
	Short: "Run a random allocation workload through a context's allocator and report its statistics",
	Long: `alloc-sim creates an execution context and issues a reproducible random sequence of allocations
and frees of varying sizes and tags. It reports how often the free list served requests, how many
blocks were evicted, and the peak memory usage.`,
	Args: cobra.NoArgs,
	Run:  runAllocSim,
}

var (
	flagSimOps       int
	flagSimSeed      uint64
	flagSimMaxSize   string
	flagSimTags      []string
	flagSimFreeRatio float64
	flagSimClear     int
)

func init() {
	allocSimCmd.Flags().IntVar(&flagSimOps, "ops", 10_000, "number of allocations and frees")
	allocSimCmd.Flags().Uint64Var(&flagSimSeed, "seed", 42, "random seed of the workload")
	allocSimCmd.Flags().StringVar(&flagSimMaxSize, "max-size", "1MiB", "largest allocation")
	allocSimCmd.Flags().StringSliceVar(&flagSimTags, "tags", []string{"mem_1", "mem_2", "mem_3"},
		"tags of the allocations, picked at random")
	allocSimCmd.Flags().Float64Var(&flagSimFreeRatio, "free-ratio", 0.45, "probability of an operation being a free")
	allocSimCmd.Flags().IntVar(&flagSimClear, "clear-every", 0, "clear the caches every so many operations, 0 to never")
}

// simStep of the workload, returned for reporting.
type simStep struct {
	allocs, frees, clears int
}

// simulate runs the workload on ctx. It stops at the first fatal allocation failure, which is returned.
func simulate(ctx *rts.Context, rng *rand.Rand, maxSize uint64) (steps simStep, fatal *rts.FatalError) {
	var live []memory.Block
	fatal = exceptions.TryCatch[*rts.FatalError](func() {
		for op := range flagSimOps {
			if flagSimClear > 0 && op > 0 && op%flagSimClear == 0 {
				ctx.ClearCaches()
				steps.clears++
			}
			if len(live) > 0 && rng.Float64() < flagSimFreeRatio {
				idx := rng.IntN(len(live))
				ctx.FreeBlock(live[idx])
				live[idx] = live[len(live)-1]
				live = live[:len(live)-1]
				steps.frees++
				continue
			}
			// Sizes are skewed towards small allocations.
			size := uint64(1) + uint64(float64(maxSize)*rng.Float64()*rng.Float64())
			tag := flagSimTags[rng.IntN(len(flagSimTags))]
			live = append(live, ctx.Alloc(size, tag))
			steps.allocs++
		}
	})
	for _, block := range live {
		ctx.FreeBlock(block)
	}
	return
}

func runAllocSim(_ *cobra.Command, _ []string) {
	maxSize := must.M1(humanize.ParseBytes(flagSimMaxSize))
	if len(flagSimTags) == 0 {
		klog.Fatalf("--tags must list at least one tag")
	}
	backend := newBackend()
	defer backend.Finalize()
	ctx := newContext(newConfig(loadProgram()), backend)

	rng := rand.New(rand.NewPCG(flagSimSeed, flagSimSeed^0x9e3779b97f4a7c15))
	steps, fatal := simulate(ctx, rng, maxSize)
	if fatal != nil {
		klog.Errorf("Workload stopped: %v", fatal)
	}

	stats := ctx.Allocator().Stats()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Allocation workload on %s: %s allocations, %s frees, tags %s",
		ctx.Device(), humanize.Comma(int64(steps.allocs)), humanize.Comma(int64(steps.frees)),
		strings.Join(flagSimTags, ","))))
	table := newTable(nil, lipgloss.Left, lipgloss.Right)
	table.Row(false, "fresh device allocations", humanize.Comma(int64(stats.FreshAllocations)))
	table.Row(true, "served from free list", humanize.Comma(int64(stats.Reuses)))
	table.Row(false, "  of which with another tag", humanize.Comma(int64(stats.CrossTagReuses)))
	table.Row(false, "undersize evictions", humanize.Comma(int64(stats.UndersizeEvictions)))
	table.Row(false, "pressure evictions", humanize.Comma(int64(stats.PressureEvictions)))
	table.Row(false, "cache clears", humanize.Comma(int64(steps.clears)))
	table.Row(false, "blocks released", humanize.Comma(int64(stats.Releases)))
	table.Row(false, "peak bytes in use", humanize.IBytes(stats.PeakBytesInUse))
	table.Row(false, "reserved from device", humanize.IBytes(stats.DeviceBytesReserved))
	table.Row(false, "free list", fmt.Sprintf("%s in %d blocks",
		humanize.IBytes(stats.BytesInFreeList), stats.BlocksInFreeList))
	fmt.Println(table.Render())
	fmt.Println(ctx.Report())
	freeContext(ctx)
}

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/pkg/devices"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices of the backend and the one that would be selected",
	Args:  cobra.NoArgs,
	Run:   runDevices,
}

func runDevices(_ *cobra.Command, _ []string) {
	backend := newBackend()
	defer backend.Finalize()
	fmt.Println(titleStyle.Render(backend.Description()))

	devs, err := backend.Devices()
	if err != nil {
		klog.Fatalf("Failed to enumerate devices: %+v", err)
	}
	pref := devices.ParsePreference(flagDevice)
	selected, selectErr := devices.Select(devs, pref)

	table := newTable([]string{"#", "Name", "Capability", "Architecture", "Status"},
		lipgloss.Right, lipgloss.Left)
	for _, dev := range devs {
		arch, err := devices.Arch(dev.Capability)
		if err != nil {
			arch = "unsupported"
		}
		status := "available"
		isSelected := selectErr == nil && dev.Num == selected.Num
		switch {
		case dev.Prohibited:
			status = "prohibited"
		case isSelected:
			status = "selected"
		}
		table.Row(isSelected, strconv.Itoa(int(dev.Num)), dev.Name, dev.Capability.String(), arch, status)
	}
	fmt.Println(table.Render())
	if selectErr != nil {
		klog.Fatalf("No device can be selected: %v", selectErr)
	}

	limits, err := devices.QueryLimits(backend, selected.Num)
	if err != nil {
		klog.Fatalf("Failed to query limits of %s: %+v", selected, err)
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Limits of %s", selected)))
	limitsTable := newTable(nil, lipgloss.Left, lipgloss.Right)
	limitsTable.Row(false, "max group size", humanize.Comma(limits.MaxGroupSize))
	limitsTable.Row(false, "max number of groups", humanize.Comma(limits.MaxNumGroups))
	limitsTable.Row(false, "max tile size", humanize.Comma(limits.MaxTileSize))
	limitsTable.Row(false, "lockstep width", humanize.Comma(limits.LockstepWidth))
	limitsTable.Row(false, "shared memory", humanize.IBytes(uint64(limits.MaxSharedMemory)))
	limitsTable.Row(false, "multiprocessors", humanize.Comma(limits.MultiprocessorCount))
	limitsTable.Row(false, "threads per multiprocessor", humanize.Comma(limits.MaxThreadsPerMultiprocessor))
	fmt.Println(limitsTable.Render())
}

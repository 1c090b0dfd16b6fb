package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fxnlabs/gpustress/internal/config"
	"github.com/fxnlabs/gpustress/internal/gpu"
	"github.com/fxnlabs/gpustress/internal/kernels"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// newManager initializes the native backends plus the configured number of
// software devices.
func newManager(cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	backends := gpu.NativeBackends(log)
	if cfg.Devices.Software > 0 {
		backends = append(backends, gpu.NewCPUBackend(log, gpu.WithDevices(cfg.Devices.Software)))
	}
	return gpu.NewManager(log, backends...)
}

// chooseDevices applies the explicit device list, or the type and platform
// filters when no list is given.
func chooseDevices(m *gpu.Manager, cfg *config.Config) ([]gpu.Descriptor, error) {
	var devices []gpu.Descriptor
	if cfg.Devices.List != "" {
		var err error
		devices, err = m.SelectList(cfg.Devices.List)
		if err != nil {
			return nil, err
		}
	} else {
		filter, err := cfg.Filter()
		if err != nil {
			return nil, err
		}
		devices = m.Select(filter)
	}
	if len(devices) == 0 {
		return nil, gpu.ErrNoDevices
	}
	return devices, nil
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List all available compute devices",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "chosen", Aliases: []string{"c"}, Usage: "List only the devices chosen by the filters"},
		},
		Action: func(c *cli.Context) error {
			cfg := c.App.Metadata["config"].(*config.Config)
			log := c.App.Metadata["logger"].(*zap.Logger)
			m, err := newManager(cfg, log)
			if err != nil {
				return err
			}
			defer m.Cleanup()

			if c.Bool("chosen") {
				devices, err := chooseDevices(m, cfg)
				if err != nil {
					return err
				}
				renderDevices(os.Stdout, devices, func(i int, _ gpu.Descriptor) string { return strconv.Itoa(i) })
				return nil
			}
			var devices []gpu.Descriptor
			for _, p := range m.Platforms() {
				devices = append(devices, p.Devices...)
			}
			renderDevices(os.Stdout, devices, func(_ int, d gpu.Descriptor) string {
				return fmt.Sprintf("%d:%d", d.PlatformID, d.DeviceID)
			})
			return nil
		},
	}
}

func renderDevices(w io.Writer, devices []gpu.Descriptor, id func(int, gpu.Descriptor) string) {
	var data [][]string
	for i, d := range devices {
		data = append(data, []string{
			id(i, d),
			d.PlatformName,
			d.Name,
			d.Type.String(),
			strconv.FormatUint(uint64(d.ComputeUnits), 10),
			strconv.FormatUint(uint64(d.MaxGroupSize), 10),
			formatMemory(d.GlobalMemory),
			formatClock(d.ClockMHz),
			d.Backend,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "PLATFORM", "DEVICE", "TYPE", "UNITS", "MAX GROUP", "MEMORY", "CLOCK", "BACKEND"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatMemory(bytes uint64) string {
	if bytes == 0 {
		return "-"
	}
	return strconv.FormatUint(bytes>>20, 10) + "MB"
}

func formatClock(mhz uint) string {
	if mhz == 0 {
		return "-"
	}
	return strconv.FormatUint(uint64(mhz), 10) + "MHz"
}

func testsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tests",
		Usage: "List the supported test types",
		Action: func(c *cli.Context) error {
			printTests(c.App.Writer)
			return nil
		},
	}
}

func printTests(w io.Writer) {
	var b strings.Builder
	b.WriteString("List of the supported test types (test can be set by using '-T' option):\n")
	for i, v := range kernels.Variants {
		fmt.Fprintf(&b, "  %d: %s\n", i, v.Description())
	}
	io.WriteString(w, b.String())
}

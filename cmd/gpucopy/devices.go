package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/gpucopy/internal/gpu"
)

type familyReport struct {
	Index    int    `json:"index"`
	Flags    string `json:"flags"`
	Queues   int    `json:"queues"`
	Selected bool   `json:"selected"`
}

type deviceReport struct {
	Index    int            `json:"index"`
	Device   gpu.DeviceInfo `json:"device"`
	Families []familyReport `json:"queueFamilies"`

	// ComputeFamilies counts the families that accept compute work.
	ComputeFamilies int `json:"computeFamilies"`
}

func devicesCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the physical devices and queue families of the platform",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the list as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, e, func(_ context.Context, d deps) error {
				reports, err := listDevices(d.Platform)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					enc := json.NewEncoder(c.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(reports)
				}
				printDevices(c.App.Writer, d.Platform.Name(), reports)
				return nil
			})
		},
	}
}

// listDevices describes every device of platform and marks the family the
// transfer would run on: the first graphics and compute family of the first
// device that has one.
func listDevices(platform gpu.Platform) ([]deviceReport, error) {
	devices, err := platform.PhysicalDevices()
	if err != nil {
		return nil, err
	}

	picked := false
	reports := make([]deviceReport, 0, len(devices))
	for i, dev := range devices {
		families, err := dev.QueueFamilies()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dev.Info().Name, err)
		}
		selected := -1
		if !picked {
			if f, ok := families.FilterGraphicsAndCompute().First(); ok {
				selected = f.Index
				picked = true
			}
		}
		report := deviceReport{
			Index:           i,
			Device:          dev.Info(),
			ComputeFamilies: len(families.FilterCompute()),
		}
		for _, f := range families {
			report.Families = append(report.Families, familyReport{
				Index:    f.Index,
				Flags:    f.Flags.String(),
				Queues:   f.QueueCount,
				Selected: f.Index == selected,
			})
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func printDevices(w io.Writer, backend string, reports []deviceReport) {
	fmt.Fprintln(w, figure.NewFigure("gpucopy", "", true).String())
	fmt.Fprintf(w, "Backend: %s\n", backend)
	if len(reports) == 0 {
		fmt.Fprintln(w, "No physical device found")
		return
	}
	for _, r := range reports {
		fmt.Fprintf(w, "\n[%d] %s (%s)\n", r.Index, r.Device.Name, r.Device.Type)
		if r.Device.Vendor != "" {
			fmt.Fprintf(w, "    Vendor: %s\n", r.Device.Vendor)
		}
		if r.Device.Driver != "" {
			fmt.Fprintf(w, "    Driver: %s\n", r.Device.Driver)
		}
		fmt.Fprintf(w, "    Compute families: %d of %d\n", r.ComputeFamilies, len(r.Families))
		for _, f := range r.Families {
			mark := " "
			if f.Selected {
				mark = "*"
			}
			fmt.Fprintf(w, "  %s family %d: %s, %d queues\n", mark, f.Index, f.Flags, f.Queues)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/gpucopy/internal/transfer"
)

// benchStats summarizes wait times in microseconds.
type benchStats struct {
	Runs   int
	Min    float64
	Mean   float64
	P50    float64
	P95    float64
	Max    float64
	StdDev float64
}

func benchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Repeat the transfer and report wait time statistics",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "iterations",
				Aliases: []string{"n"},
				Value:   100,
				Usage:   "Number of runs",
			},
		},
		Action: func(c *cli.Context) error {
			n := c.Int("iterations")
			if n < 1 {
				return fmt.Errorf("iterations must be at least 1, got %d", n)
			}
			return withApp(c, e, func(ctx context.Context, d deps) error {
				opts := d.Options
				opts.Out = io.Discard
				waits := make([]float64, 0, n)
				for i := 0; i < n; i++ {
					res, err := transfer.Run(ctx, d.Platform, opts)
					if err != nil {
						return fmt.Errorf("run %d: %w", i, err)
					}
					waits = append(waits, float64(res.Wait.Microseconds()))
				}
				s := summarize(waits)
				e.rootLogger.Debug("bench complete", zap.Int("runs", s.Runs), zap.Float64("meanUs", s.Mean))
				printStats(c.App.Writer, d.Platform.Name(), s)
				return nil
			})
		},
	}
}

// summarize sorts xs in place.
func summarize(xs []float64) benchStats {
	if len(xs) == 0 {
		return benchStats{}
	}
	sort.Float64s(xs)
	s := benchStats{
		Runs: len(xs),
		Min:  xs[0],
		Max:  xs[len(xs)-1],
		Mean: stat.Mean(xs, nil),
		P50:  stat.Quantile(0.5, stat.Empirical, xs, nil),
		P95:  stat.Quantile(0.95, stat.Empirical, xs, nil),
	}
	if len(xs) > 1 {
		s.StdDev = stat.StdDev(xs, nil)
	}
	return s
}

func printStats(w io.Writer, backend string, s benchStats) {
	fmt.Fprintf(w, "backend: %s, runs: %d\n", backend, s.Runs)
	fmt.Fprintf(w, "wait (us): min %.0f  mean %.1f  p50 %.0f  p95 %.0f  max %.0f  stddev %.1f\n",
		s.Min, s.Mean, s.P50, s.P95, s.Max, s.StdDev)
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpucopy/internal/app"
	"github.com/fxnlabs/gpucopy/internal/gpu"
	"github.com/fxnlabs/gpucopy/internal/metrics"
	"github.com/fxnlabs/gpucopy/internal/transfer"
)

func runCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Copy 0..63 into a zeroed buffer on the GPU and verify it (default)",
		Action: func(c *cli.Context) error {
			return runTransfer(c, e)
		},
	}
}

// deps are the values a command pulls out of the application graph.
type deps struct {
	Platform gpu.Platform
	Options  transfer.Options
	Metrics  *metrics.Metrics
}

// withApp starts the application graph, hands its values to fn and stops the
// graph, destroying the platform, once fn returns. The context given to fn is
// cancelled on SIGINT or SIGTERM. The metrics live outside the graph so a
// platform that fails to bind is still recorded and written out.
func withApp(c *cli.Context, e *env, fn func(ctx context.Context, d deps) error) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := deps{Metrics: metrics.New()}
	defer func() {
		if path := e.cfg.Metrics.Textfile; path != "" {
			if werr := d.Metrics.WriteTextfile(path); werr != nil {
				e.rootLogger.Warn("failed to write metrics", zap.String("path", path), zap.Error(werr))
			}
		}
	}()

	fxApp := app.New(e.cfg,
		fx.Replace(e.zapLogger, d.Metrics),
		fx.Populate(&d.Platform, &d.Options),
	)
	if err := fxApp.Err(); err != nil {
		if stage, ok := transfer.FailedStage(err); ok {
			d.Metrics.ObserveFailure(e.cfg.Transfer.Backend, stage)
		}
		return err
	}
	if err := fxApp.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := fxApp.Stop(context.Background()); err != nil {
			e.rootLogger.Warn("failed to stop app", zap.Error(err))
		}
	}()

	d.Options.Out = c.App.Writer
	return fn(ctx, d)
}

func runTransfer(c *cli.Context, e *env) error {
	return withApp(c, e, func(ctx context.Context, d deps) error {
		res, err := transfer.Run(ctx, d.Platform, d.Options)
		if err != nil {
			return err
		}
		e.rootLogger.Info("transfer complete",
			zap.String("backend", res.Backend),
			zap.String("device", res.Device.Name),
			zap.Int("bytes", res.Bytes),
			zap.Duration("wait", res.Wait))
		return nil
	})
}

package app

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fxnlabs/gpucopy/internal/config"
	"github.com/fxnlabs/gpucopy/internal/gpu"
	"github.com/fxnlabs/gpucopy/internal/logger"
	"github.com/fxnlabs/gpucopy/internal/metrics"
	"github.com/fxnlabs/gpucopy/internal/transfer"
)

// Module provides everything a run needs from a *config.Config supplied by
// the caller.
var Module = fx.Options(
	fx.Provide(
		NewLogger,
		metrics.New,
		NewPlatform,
		NewRunOptions,
	),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		l := &fxevent.ZapLogger{Logger: log.Named("fx")}
		l.UseLogLevel(zapcore.DebugLevel)
		return l
	}),
)

// New builds the application graph for cfg. Extra options usually populate
// the values the caller wants out of it.
func New(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{fx.Supply(cfg), Module}, opts...)...)
}

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
}

// NewPlatform opens the configured backend and destroys it when the
// application stops. Failures are tagged with the bind-platform stage.
func NewPlatform(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (gpu.Platform, error) {
	kind, err := cfg.Backend()
	if err != nil {
		return nil, &transfer.StageError{Stage: transfer.StageBindPlatform, Err: err}
	}
	software, err := cfg.Software.Options()
	if err != nil {
		return nil, &transfer.StageError{Stage: transfer.StageBindPlatform, Err: err}
	}

	platform, err := gpu.Open(kind, gpu.Options{
		Logger:               log,
		EnableValidation:     cfg.Transfer.Validation,
		ForceFallbackAdapter: cfg.WGPU.ForceFallbackAdapter,
		Software:             software,
	})
	if err != nil {
		return nil, &transfer.StageError{Stage: transfer.StageBindPlatform, Err: err}
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Debug("destroying platform", zap.String("backend", platform.Name()))
			return platform.Destroy()
		},
	})
	return platform, nil
}

// NewRunOptions maps the transfer section onto transfer.Options. Diagnostic
// lines go to stdout.
func NewRunOptions(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (transfer.Options, error) {
	usage, err := cfg.UsagePolicy()
	if err != nil {
		return transfer.Options{}, err
	}
	return transfer.Options{
		Plan:        transfer.DefaultPlan(),
		Usage:       usage,
		WaitTimeout: cfg.Transfer.WaitTimeout,
		Out:         os.Stdout,
		Logger:      log,
		Observer:    m,
	}, nil
}

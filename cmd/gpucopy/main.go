package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpucopy/internal/config"
	"github.com/fxnlabs/gpucopy/internal/logger"
	"github.com/fxnlabs/gpucopy/internal/transfer"
)

// env carries what the Before hook loads to the commands.
type env struct {
	cfg        *config.Config
	zapLogger  *zap.Logger
	rootLogger *zap.Logger
}

func main() {
	e := &env{}
	app := newApp(e)

	if err := app.Run(os.Args); err != nil {
		if e.rootLogger != nil {
			fields := []zap.Field{zap.Error(err)}
			if stage, ok := transfer.FailedStage(err); ok {
				fields = append(fields, zap.Stringer("stage", stage))
			}
			e.rootLogger.Fatal("failed to run app", fields...)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func newApp(e *env) *cli.App {
	return &cli.App{
		Name:  "gpucopy",
		Usage: "Copy a buffer on a GPU and verify the result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file, defaults apply when empty",
				EnvVars: []string{"GPUCOPY_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Platform backend: auto, software, wgpu or vulkan",
				EnvVars: []string{"GPUCOPY_BACKEND"},
			},
			&cli.DurationFlag{
				Name:    "wait-timeout",
				Usage:   "Bound on the wait for the GPU, 0 waits forever",
				EnvVars: []string{"GPUCOPY_WAIT_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "usage",
				Usage:   "Buffer usage policy: all or transfer",
				EnvVars: []string{"GPUCOPY_USAGE"},
			},
			&cli.StringFlag{
				Name:    "metrics-file",
				Usage:   "Write run metrics to this file in the textfile exporter format",
				EnvVars: []string{"GPUCOPY_METRICS_FILE"},
			},
			&cli.StringFlag{
				Name:    "verbosity",
				Aliases: []string{"v"},
				Usage:   "Log level: debug, info, warn or error",
				EnvVars: []string{"GPUCOPY_VERBOSITY"},
			},
			&cli.BoolFlag{
				Name:    "validation",
				Usage:   "Enable the Vulkan validation layer",
				EnvVars: []string{"GPUCOPY_VALIDATION"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.zapLogger = zapLogger
			e.rootLogger = zapLogger.Named("cli")
			return nil
		},
		Action: func(c *cli.Context) error {
			return runTransfer(c, e)
		},
		Commands: []*cli.Command{
			runCommand(e),
			devicesCommand(e),
			benchCommand(e),
			configCommand(),
		},
	}
}

// loadConfig reads the config file, if any, and applies the flags that were
// set on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if c.IsSet("backend") {
		cfg.Transfer.Backend = c.String("backend")
	}
	if c.IsSet("wait-timeout") {
		cfg.Transfer.WaitTimeout = c.Duration("wait-timeout")
	}
	if c.IsSet("usage") {
		cfg.Transfer.Usage = c.String("usage")
	}
	if c.IsSet("metrics-file") {
		cfg.Metrics.Textfile = c.String("metrics-file")
	}
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	if c.IsSet("validation") {
		cfg.Transfer.Validation = c.Bool("validation")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

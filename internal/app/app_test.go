package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/fxnlabs/gpucopy/internal/config"
	"github.com/fxnlabs/gpucopy/internal/gpu"
	"github.com/fxnlabs/gpucopy/internal/metrics"
	"github.com/fxnlabs/gpucopy/internal/transfer"
)

func softwareConfig() *config.Config {
	cfg := config.Default()
	cfg.Logger.Verbosity = "error"
	cfg.Transfer.Backend = "software"
	return cfg
}

func TestModule_Run(t *testing.T) {
	var (
		platform gpu.Platform
		opts     transfer.Options
		m        *metrics.Metrics
	)
	app := fxtest.New(t,
		fx.Supply(softwareConfig()),
		Module,
		fx.Populate(&platform, &opts, &m),
	)
	app.RequireStart()
	defer app.RequireStop()

	assert.Equal(t, "software", platform.Name())
	assert.Same(t, m, opts.Observer)

	opts.Out = nil
	res, err := transfer.Run(context.Background(), platform, opts)
	require.NoError(t, err)
	assert.Equal(t, transfer.StateVerified, res.State)
}

func TestModule_StrictUsage(t *testing.T) {
	cfg := softwareConfig()
	cfg.Transfer.Usage = "transfer"

	var opts transfer.Options
	app := fxtest.New(t, fx.Supply(cfg), Module, fx.Populate(&opts))
	app.RequireStart()
	defer app.RequireStop()

	assert.Equal(t, transfer.UsageTransfer, opts.Usage)
}

func TestNewPlatform_DestroyedOnStop(t *testing.T) {
	var platform gpu.Platform
	app := fxtest.New(t, fx.Supply(softwareConfig()), Module, fx.Populate(&platform))
	app.RequireStart()
	app.RequireStop()

	_, err := platform.PhysicalDevices()
	assert.ErrorIs(t, err, gpu.ErrDestroyed)
}

func TestNewPlatform_BadBackend(t *testing.T) {
	cfg := softwareConfig()
	cfg.Transfer.Backend = "opencl"

	var platform gpu.Platform
	app := fx.New(fx.Supply(cfg), Module, fx.Populate(&platform))
	err := app.Err()
	require.Error(t, err)

	var se *transfer.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, transfer.StageBindPlatform, se.Stage)
}

func TestNew(t *testing.T) {
	var m *metrics.Metrics
	app := New(softwareConfig(), fx.Populate(&m))
	require.NoError(t, app.Err())
	assert.NotNil(t, m.Registry())
}

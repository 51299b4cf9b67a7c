package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpucopy/internal/gpu"
)

// Observer receives the outcome of every run.
type Observer interface {
	ObserveRun(backend string, wait time.Duration, bytes int)
	ObserveFailure(backend string, stage Stage)
}

type Options struct {
	Plan  Plan
	Usage UsagePolicy

	// WaitTimeout bounds the wait on the fence; zero waits forever.
	WaitTimeout time.Duration

	// Out receives the diagnostic lines. Nil discards them.
	Out io.Writer

	Logger   *zap.Logger
	Observer Observer
}

// Result describes a run, successful or not.
type Result struct {
	Backend  string         `json:"backend"`
	Device   gpu.DeviceInfo `json:"device"`
	Family   int            `json:"queueFamily"`
	Elements int            `json:"elements"`
	Bytes    int            `json:"bytes"`
	Wait     time.Duration  `json:"wait"`
	State    State          `json:"-"`
}

// Run drives the whole pipeline once on platform: select a device, create
// the buffers, copy the source into the destination, wait and verify. The
// first failure ends the run; its error is a *StageError and Result.State
// tells how far the run got. Every object created on the platform is
// destroyed before Run returns, the platform itself is left to the caller.
func Run(ctx context.Context, platform gpu.Platform, opts Options) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Plan.Source == nil && opts.Plan.Destination == nil {
		opts.Plan = DefaultPlan()
	}
	logger := opts.Logger.Named("transfer")
	res := &Result{}

	err := run(ctx, platform, opts, logger, res)
	if err != nil {
		stage, _ := FailedStage(err)
		logger.Error("transfer failed",
			zap.Stringer("stage", stage),
			zap.Stringer("state", res.State),
			zap.Error(err))
		if opts.Observer != nil {
			opts.Observer.ObserveFailure(res.Backend, stage)
		}
		return res, err
	}
	if opts.Observer != nil {
		opts.Observer.ObserveRun(res.Backend, res.Wait, res.Bytes)
	}
	return res, nil
}

func run(ctx context.Context, platform gpu.Platform, opts Options, logger *zap.Logger, res *Result) error {
	if platform == nil {
		return stageError(StageBindPlatform, fmt.Errorf("no platform"))
	}
	res.Backend = platform.Name()
	res.State.advance(StatePlatformBound)

	phys, family, err := SelectDevice(platform)
	if err != nil {
		return err
	}
	res.Device = phys.Info()
	res.Family = family.Index
	res.State.advance(StateDeviceSelected)
	logger.Info("device selected",
		zap.String("device", res.Device.Name),
		zap.Stringer("type", res.Device.Type),
		zap.Stringer("family", family))

	device, queue, err := CreateDevice(phys, family)
	if err != nil {
		return err
	}
	defer device.Destroy()

	src, dst, err := AllocateBuffers(device, opts.Plan, opts.Usage)
	if err != nil {
		return err
	}
	defer src.Release()
	defer dst.Release()
	res.Elements = src.Len()
	res.Bytes = 4 * src.Len()
	res.State.advance(StateBuffersAllocated)
	logger.Debug("buffers allocated",
		zap.Int("elements", src.Len()),
		zap.Stringer("usage", opts.Usage))

	list, err := RecordCopy(device, family, src, dst)
	if err != nil {
		return err
	}
	res.State.advance(StateCommandRecorded)

	fence, err := Submit(device, queue, list)
	if err != nil {
		return err
	}
	res.State.advance(StateSubmitted)

	waitCtx := ctx
	if opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.WaitTimeout)
		defer cancel()
	}
	res.Wait, err = Wait(waitCtx, fence, opts.Out)
	if err != nil {
		return err
	}
	res.State.advance(StateSignaled)
	logger.Debug("fence signaled", zap.Duration("wait", res.Wait))

	if err := Verify(ctx, src, dst); err != nil {
		return err
	}
	res.State.advance(StateVerified)
	logger.Info("copy verified",
		zap.Int("elements", res.Elements),
		zap.Duration("wait", res.Wait))
	return nil
}

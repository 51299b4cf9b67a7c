package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fxnlabs/gpucopy/internal/gpu"
)

// SelectDevice returns the first physical device that exposes a queue family
// supporting both graphics and compute, along with that family.
func SelectDevice(platform gpu.Platform) (gpu.PhysicalDevice, *gpu.QueueFamily, error) {
	if platform == nil {
		return nil, nil, stageError(StageSelectDevice, fmt.Errorf("no platform"))
	}
	devices, err := platform.PhysicalDevices()
	if err != nil {
		return nil, nil, stageError(StageSelectDevice, err)
	}
	if len(devices) == 0 {
		return nil, nil, stageError(StageSelectDevice, gpu.ErrNoDevice)
	}
	for _, d := range devices {
		families, err := d.QueueFamilies()
		if err != nil {
			return nil, nil, stageError(StageSelectDevice, fmt.Errorf("%s: %w", d.Info().Name, err))
		}
		if family, ok := families.FilterGraphicsAndCompute().First(); ok {
			return d, family, nil
		}
	}
	return nil, nil, stageError(StageSelectDevice, gpu.ErrNoQueueFamily)
}

// CreateDevice opens a logical device with one queue from family and returns
// the first queue.
func CreateDevice(phys gpu.PhysicalDevice, family *gpu.QueueFamily) (gpu.LogicalDevice, gpu.Queue, error) {
	device, err := phys.CreateLogicalDevice(family)
	if err != nil {
		return nil, nil, stageError(StageCreateDevice, err)
	}
	queues := device.Queues()
	if len(queues) == 0 {
		_ = device.Destroy()
		return nil, nil, stageError(StageCreateDevice, gpu.ErrNoQueue)
	}
	return device, queues[0], nil
}

// AllocateBuffers creates the source and destination buffers of plan.
func AllocateBuffers(device gpu.LogicalDevice, plan Plan, policy UsagePolicy) (src, dst gpu.Buffer, err error) {
	srcUsage, dstUsage := policy.usages()
	src, err = device.AllocateBuffer("source", srcUsage, plan.Source)
	if err != nil {
		return nil, nil, stageError(StageAllocateBuffers, err)
	}
	dst, err = device.AllocateBuffer("destination", dstUsage, plan.Destination)
	if err != nil {
		src.Release()
		return nil, nil, stageError(StageAllocateBuffers, err)
	}
	return src, dst, nil
}

// RecordCopy builds a one-time command list holding a single copy of the
// whole of src into dst. Length and usage checks are left to the builder.
func RecordCopy(device gpu.LogicalDevice, family *gpu.QueueFamily, src, dst gpu.Buffer) (*gpu.CommandList, error) {
	builder, err := gpu.NewCommandListBuilder(device, family, gpu.OneTimeSubmit)
	if err != nil {
		return nil, stageError(StageRecordCopy, err)
	}
	if err := builder.CopyBuffer(src, dst); err != nil {
		return nil, stageError(StageRecordCopy, err)
	}
	list, err := builder.Build()
	if err != nil {
		return nil, stageError(StageRecordCopy, err)
	}
	return list, nil
}

// Submit chains the execution of list after the current state of device and
// flushes it with a fence.
func Submit(device gpu.LogicalDevice, queue gpu.Queue, list *gpu.CommandList) (gpu.Fence, error) {
	exec, err := gpu.Now(device).ThenExecute(queue, list)
	if err != nil {
		return nil, stageError(StageSubmit, err)
	}
	fence, err := exec.ThenSignalFenceAndFlush()
	if err != nil {
		return nil, stageError(StageSubmit, err)
	}
	return fence, nil
}

// Wait blocks until fence is signaled or ctx is done and reports the time
// spent waiting on out. A ctx without deadline waits forever.
func Wait(ctx context.Context, fence gpu.Fence, out io.Writer) (time.Duration, error) {
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintln(out, "Waiting for the GPU to complete the operation")
	before := time.Now()
	err := fence.Wait(ctx)
	elapsed := time.Since(before)
	if err != nil {
		return elapsed, stageError(StageWait, err)
	}
	fmt.Fprintln(out, elapsed.Microseconds())
	fmt.Fprintln(out, "GPU DONE!")
	return elapsed, nil
}

// Verify reads both buffers back and compares them element by element. It is
// only valid once the fence of the copy has been signaled.
func Verify(ctx context.Context, src, dst gpu.Buffer) error {
	want, err := src.Read(ctx)
	if err != nil {
		return stageError(StageVerify, err)
	}
	got, err := dst.Read(ctx)
	if err != nil {
		return stageError(StageVerify, err)
	}
	if len(want) != len(got) {
		return stageError(StageVerify, fmt.Errorf("%w: %d elements, want %d", ErrVerificationFailed, len(got), len(want)))
	}
	for i := range want {
		if want[i] != got[i] {
			return stageError(StageVerify, fmt.Errorf("%w: element %d is %d, want %d",
				ErrVerificationFailed, i, got[i], want[i]))
		}
	}
	return nil
}

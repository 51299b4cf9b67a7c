package gpu

import (
	"errors"
	"fmt"
)

var ErrNotExecuted = errors.New("gpu: nothing was chained for execution")

// NowFuture is the "now" synchronization point of a device: no pending
// work, nothing to wait for.
type NowFuture struct {
	device LogicalDevice
}

// Now returns the current synchronization state of device.
func Now(device LogicalDevice) *NowFuture {
	return &NowFuture{device: device}
}

// ThenExecute chains the execution of list on queue after f. Nothing reaches
// the device until ThenSignalFenceAndFlush is called.
func (f *NowFuture) ThenExecute(queue Queue, list *CommandList) (*ExecuteFuture, error) {
	if f == nil || f.device == nil {
		return nil, fmt.Errorf("gpu: future has no device")
	}
	if queue == nil {
		return nil, fmt.Errorf("gpu: execute requires a queue")
	}
	if list == nil {
		return nil, fmt.Errorf("gpu: execute requires a command list")
	}
	switch list.State() {
	case StateBuilt:
	case StateSubmitted:
		return nil, ErrCommandListSubmitted
	default:
		return nil, ErrCommandListNotBuilt
	}
	if list.Device() != f.device {
		return nil, fmt.Errorf("gpu: command list was recorded for another device")
	}
	if list.Family().Index != queue.Family().Index {
		return nil, fmt.Errorf("gpu: command list family %d does not match queue family %d",
			list.Family().Index, queue.Family().Index)
	}
	return &ExecuteFuture{queue: queue, list: list}, nil
}

// ExecuteFuture is a pending execution that has not been flushed yet.
type ExecuteFuture struct {
	queue   Queue
	list    *CommandList
	flushed bool
}

// ThenSignalFenceAndFlush submits the chained execution to the device and
// returns the fence signaled on completion. It may only be called once.
func (f *ExecuteFuture) ThenSignalFenceAndFlush() (Fence, error) {
	if f == nil || f.queue == nil || f.list == nil {
		return nil, ErrNotExecuted
	}
	if f.flushed {
		return nil, ErrCommandListSubmitted
	}
	f.flushed = true
	fence, err := f.queue.Submit(f.list)
	if err != nil {
		return nil, fmt.Errorf("gpu: flush: %w", err)
	}
	return fence, nil
}

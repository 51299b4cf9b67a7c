package gpu

import (
	"context"
	"errors"
)

var (
	ErrNoDevice           = errors.New("gpu: no physical device available")
	ErrNoQueueFamily      = errors.New("gpu: no queue family supports both graphics and compute")
	ErrNoQueue            = errors.New("gpu: logical device exposes no queue")
	ErrBackendUnavailable = errors.New("gpu: backend unavailable")
	ErrOutOfMemory        = errors.New("gpu: out of device memory")
	ErrDeviceLost         = errors.New("gpu: device lost")
	ErrDestroyed          = errors.New("gpu: object already destroyed")
	ErrEmptyBuffer        = errors.New("gpu: buffer must hold at least one element")
	ErrForeignBuffer      = errors.New("gpu: buffer belongs to another device")
	ErrBufferInFlight     = errors.New("gpu: buffer is in use by a pending submission")
	ErrUsageMismatch      = errors.New("gpu: buffer usage does not permit the operation")
)

// DeviceInfo describes a physical or logical device.
type DeviceInfo struct {
	Name        string     `json:"name"`
	Type        DeviceType `json:"type"`
	Vendor      string     `json:"vendor,omitempty"`
	Driver      string     `json:"driver,omitempty"`
	Backend     string     `json:"backend"`
	TotalMemory int64      `json:"totalMemory,omitempty"` // in bytes
}

// Platform is the process's binding to a graphics/compute API. It owns every
// object derived from it and must be destroyed once the run is over.
//
// Implementations:
//   - SoftwarePlatform: in-process device, always available
//   - WGPUPlatform: gogpu/wgpu (Vulkan, Metal, DX12, GLES, software HAL)
//   - VulkanPlatform: vulkan-go, only with the "vulkan" build tag
type Platform interface {
	// Name returns the backend name ("software", "wgpu", "vulkan").
	Name() string

	// PhysicalDevices enumerates the devices exposed by the platform, in
	// the order the platform reports them.
	PhysicalDevices() ([]PhysicalDevice, error)

	// Destroy releases the platform and everything created from it.
	Destroy() error
}

// PhysicalDevice is an enumerable, read-only device description. It is
// selected, not owned.
type PhysicalDevice interface {
	Info() DeviceInfo

	// QueueFamilies lists the queue families of the device by index.
	QueueFamilies() (QueueFamilySlice, error)

	// CreateLogicalDevice opens the device with exactly one queue from
	// family and default features.
	CreateLogicalDevice(family *QueueFamily) (LogicalDevice, error)
}

// LogicalDevice owns its queues and every buffer allocated against it.
type LogicalDevice interface {
	Info() DeviceInfo

	// Queues returns the queues created with the device. Only the first one
	// is used by the transfer pipeline.
	Queues() []Queue

	// AllocateBuffer creates a host-visible buffer initialized with data.
	AllocateBuffer(label string, usage BufferUsage, data []int32) (Buffer, error)

	// Destroy releases the buffers and queues of the device.
	Destroy() error
}

// Queue is a submission endpoint. Work submitted to one queue executes in
// submission order.
type Queue interface {
	Family() *QueueFamily

	// Submit executes a built command list and returns the fence that is
	// signaled once the device has finished it. The list is consumed.
	Submit(list *CommandList) (Fence, error)
}

// Buffer is a fixed-length sequence of int32 living in host-visible memory.
type Buffer interface {
	Label() string
	Len() int
	Usage() BufferUsage

	// Read maps the buffer for host read access and returns a copy of its
	// contents. It must only be called after every fence covering a write
	// to the buffer has been signaled.
	Read(ctx context.Context) ([]int32, error)

	Release()
}

// Fence is the completion signal of a submission.
type Fence interface {
	// Wait blocks until the fence is signaled, the submission fails, or ctx
	// is done. A context without deadline waits forever.
	Wait(ctx context.Context) error

	// Signaled reports whether the submission has completed, without
	// blocking.
	Signaled() bool
}

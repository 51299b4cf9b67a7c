//go:build vulkan && integration
// +build vulkan,integration

package gpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openVulkanDevice(t *testing.T) (*vulkanLogicalDevice, *QueueFamily) {
	t.Helper()
	platform, err := NewVulkanPlatform(Options{Logger: zaptest.NewLogger(t), AppName: "gpucopy-test"})
	if err != nil {
		t.Skipf("vulkan not available: %v", err)
	}
	t.Cleanup(func() { _ = platform.Destroy() })

	devices, err := platform.PhysicalDevices()
	require.NoError(t, err)
	if len(devices) == 0 {
		t.Skip("no vulkan device")
	}
	families, err := devices[0].QueueFamilies()
	require.NoError(t, err)
	family, ok := families.FilterGraphicsAndCompute().First()
	if !ok {
		t.Skip("first device has no graphics and compute family")
	}
	device, err := devices[0].CreateLogicalDevice(family)
	require.NoError(t, err)
	return device.(*vulkanLogicalDevice), family
}

func TestVulkanPlatform_Copy(t *testing.T) {
	platform, err := NewVulkanPlatform(Options{Logger: zaptest.NewLogger(t), AppName: "gpucopy-test"})
	if err != nil {
		t.Skipf("vulkan not available: %v", err)
	}
	defer platform.Destroy()

	devices, err := platform.PhysicalDevices()
	require.NoError(t, err)
	if len(devices) == 0 {
		t.Skip("no vulkan device")
	}
	families, err := devices[0].QueueFamilies()
	require.NoError(t, err)
	family, ok := families.FilterGraphicsAndCompute().First()
	if !ok {
		t.Skip("first device has no graphics and compute family")
	}
	device, err := devices[0].CreateLogicalDevice(family)
	require.NoError(t, err)

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(64))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 64))
	require.NoError(t, err)

	fence := copyAndFlush(t, device, family, src, dst)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, fence.Wait(ctx))

	got, err := dst.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, ascending(64), got)
}

func TestVulkanBuffer_ReleaseWhilePending(t *testing.T) {
	device, family := openVulkanDevice(t)

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(64))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 64))
	require.NoError(t, err)

	// Nothing has waited on the fence, so both buffers still count as used
	// by the submission and must outlive their release.
	fence := copyAndFlush(t, device, family, src, dst)
	src.Release()
	dst.Release()

	device.mu.Lock()
	assert.Len(t, device.retired, 2)
	device.mu.Unlock()

	require.NoError(t, device.Destroy())
	assert.Empty(t, device.retired)
	assert.False(t, fence.Signaled())
}

func TestVulkanFence_TimeoutThenTeardown(t *testing.T) {
	device, family := openVulkanDevice(t)

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(64))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 64))
	require.NoError(t, err)

	fence := copyAndFlush(t, device, family, src, dst)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	waitErr := fence.Wait(ctx)

	dst.Release()
	src.Release()
	if waitErr != nil {
		assert.ErrorIs(t, waitErr, context.DeadlineExceeded)
		device.mu.Lock()
		assert.Len(t, device.retired, 2)
		device.mu.Unlock()
	}
	require.NoError(t, device.Destroy())
}

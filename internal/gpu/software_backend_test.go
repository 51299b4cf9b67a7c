package gpu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ascending(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// openSoftwareDevice returns a logical device on the universal family of the
// first simulated device.
func openSoftwareDevice(t *testing.T, opts SoftwareOptions) (*SoftwarePlatform, LogicalDevice, *QueueFamily) {
	t.Helper()
	platform := NewSoftwarePlatform(zap.NewNop(), opts)
	t.Cleanup(func() { _ = platform.Destroy() })

	devices, err := platform.PhysicalDevices()
	require.NoError(t, err)
	require.NotEmpty(t, devices)

	families, err := devices[0].QueueFamilies()
	require.NoError(t, err)
	family, ok := families.FilterGraphicsAndCompute().First()
	require.True(t, ok)

	device, err := devices[0].CreateLogicalDevice(family)
	require.NoError(t, err)
	return platform, device, family
}

func copyAndFlush(t *testing.T, device LogicalDevice, family *QueueFamily, src, dst Buffer) Fence {
	t.Helper()
	builder, err := NewCommandListBuilder(device, family, OneTimeSubmit)
	require.NoError(t, err)
	require.NoError(t, builder.CopyBuffer(src, dst))
	list, err := builder.Build()
	require.NoError(t, err)

	exec, err := Now(device).ThenExecute(device.Queues()[0], list)
	require.NoError(t, err)
	fence, err := exec.ThenSignalFenceAndFlush()
	require.NoError(t, err)
	return fence
}

func TestSoftwarePlatform_PhysicalDevices(t *testing.T) {
	platform := NewSoftwarePlatform(nil, SoftwareOptions{})
	assert.Equal(t, "software", platform.Name())

	devices, err := platform.PhysicalDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)

	info := devices[0].Info()
	assert.Equal(t, "Software Device", info.Name)
	assert.Equal(t, DeviceTypeCPU, info.Type)
	assert.Equal(t, "software", info.Backend)

	families, err := devices[0].QueueFamilies()
	require.NoError(t, err)
	require.Len(t, families, 3)
	assert.True(t, families[0].IsGraphics())
	assert.True(t, families[0].IsCompute())
	assert.False(t, families[1].IsGraphics())
	assert.True(t, families[2].IsTransfer())
	assert.Equal(t, 2, families[2].Index)

	require.NoError(t, platform.Destroy())
	_, err = platform.PhysicalDevices()
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestSoftwarePlatform_CreateLogicalDevice(t *testing.T) {
	platform := NewSoftwarePlatform(nil, SoftwareOptions{
		Devices: []SoftwareDevice{{
			Name: "Lonely",
			Families: []QueueFamily{
				{Flags: QueueGraphics | QueueCompute, QueueCount: 0},
				{Flags: QueueTransfer, QueueCount: 1},
			},
		}},
	})
	defer platform.Destroy()

	devices, err := platform.PhysicalDevices()
	require.NoError(t, err)
	phys := devices[0]

	testCases := []struct {
		name   string
		family *QueueFamily
	}{
		{"nil family", nil},
		{"index out of range", &QueueFamily{Index: 5, Flags: QueueTransfer}},
		{"flags differ", &QueueFamily{Index: 1, Flags: QueueCompute}},
		{"no queue", &QueueFamily{Index: 0, Flags: QueueGraphics | QueueCompute}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := phys.CreateLogicalDevice(tc.family)
			assert.Error(t, err)
		})
	}

	device, err := phys.CreateLogicalDevice(&QueueFamily{Index: 1, Flags: QueueTransfer, QueueCount: 1})
	require.NoError(t, err)
	queues := device.Queues()
	require.Len(t, queues, 1)
	assert.Equal(t, 1, queues[0].Family().Index)
}

func TestSoftwareDevice_AllocateBuffer(t *testing.T) {
	_, device, _ := openSoftwareDevice(t, SoftwareOptions{MemoryBytes: 512})

	_, err := device.AllocateBuffer("empty", BufferUsageAll, nil)
	assert.ErrorIs(t, err, ErrEmptyBuffer)

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(64))
	require.NoError(t, err)
	assert.Equal(t, "source", src.Label())
	assert.Equal(t, 64, src.Len())
	assert.Equal(t, BufferUsageAll, src.Usage())

	data, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ascending(64), data)

	// 256 bytes used, a second 64-element buffer fits exactly.
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 64))
	require.NoError(t, err)

	_, err = device.AllocateBuffer("overflow", BufferUsageAll, make([]int32, 1))
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// Releasing gives the memory back.
	dst.Release()
	_, err = device.AllocateBuffer("again", BufferUsageAll, make([]int32, 64))
	assert.NoError(t, err)

	_, err = dst.Read(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestSoftwareDevice_AllocationIsACopy(t *testing.T) {
	_, device, _ := openSoftwareDevice(t, SoftwareOptions{})

	data := ascending(4)
	buf, err := device.AllocateBuffer("source", BufferUsageAll, data)
	require.NoError(t, err)
	data[0] = 99

	got, err := buf.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), got[0])
}

func TestSoftwareQueue_Copy(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(64))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 64))
	require.NoError(t, err)

	fence := copyAndFlush(t, device, family, src, dst)
	require.NoError(t, fence.Wait(context.Background()))
	assert.True(t, fence.Signaled())

	got, err := dst.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ascending(64), got)
}

func TestSoftwareQueue_SubmissionOrder(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{Latency: 5 * time.Millisecond})

	a, err := device.AllocateBuffer("a", BufferUsageAll, []int32{1, 2, 3})
	require.NoError(t, err)
	b, err := device.AllocateBuffer("b", BufferUsageAll, []int32{0, 0, 0})
	require.NoError(t, err)
	c, err := device.AllocateBuffer("c", BufferUsageAll, []int32{0, 0, 0})
	require.NoError(t, err)

	// b is written by the first submission and read by the second.
	first := copyAndFlush(t, device, family, a, b)
	second := copyAndFlush(t, device, family, b, c)

	require.NoError(t, second.Wait(context.Background()))
	assert.True(t, first.Signaled())

	got, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, got)
}

func TestSoftwareBuffer_ReadBeforeSignal(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{Latency: 200 * time.Millisecond})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(8))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 8))
	require.NoError(t, err)

	fence := copyAndFlush(t, device, family, src, dst)
	assert.False(t, fence.Signaled())

	_, err = dst.Read(context.Background())
	assert.ErrorIs(t, err, ErrBufferInFlight)

	require.NoError(t, fence.Wait(context.Background()))
	got, err := dst.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ascending(8), got)
}

func TestSoftwareFence_WaitTimeout(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{Latency: time.Second})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(8))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 8))
	require.NoError(t, err)

	fence := copyAndFlush(t, device, family, src, dst)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = fence.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, fence.Signaled())
}

func TestSoftwareFence_DeviceLost(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{LoseDevice: true})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(8))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 8))
	require.NoError(t, err)

	fence := copyAndFlush(t, device, family, src, dst)
	err = fence.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.False(t, fence.Signaled())

	// The copy never ran.
	got, err := dst.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, make([]int32, 8), got)
}

func TestSoftwareFence_DestroyWhilePending(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{Latency: time.Minute})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(8))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 8))
	require.NoError(t, err)

	fence := copyAndFlush(t, device, family, src, dst)
	require.NoError(t, device.Destroy())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, fence.Wait(ctx), ErrDeviceLost)

	_, err = device.AllocateBuffer("late", BufferUsageAll, ascending(1))
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestSoftwareQueue_ForeignBuffer(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{})
	_, other, _ := openSoftwareDevice(t, SoftwareOptions{})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(4))
	require.NoError(t, err)
	dst, err := other.AllocateBuffer("elsewhere", BufferUsageAll, make([]int32, 4))
	require.NoError(t, err)

	builder, err := NewCommandListBuilder(device, family, OneTimeSubmit)
	require.NoError(t, err)
	require.NoError(t, builder.CopyBuffer(src, dst))
	list, err := builder.Build()
	require.NoError(t, err)

	_, err = device.Queues()[0].Submit(list)
	assert.ErrorIs(t, err, ErrForeignBuffer)
	assert.Equal(t, StateBuilt, list.State())
}

func TestSoftwareQueue_RejectedSubmitKeepsList(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(4))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 4))
	require.NoError(t, err)

	builder, err := NewCommandListBuilder(device, family, OneTimeSubmit)
	require.NoError(t, err)
	require.NoError(t, builder.CopyBuffer(src, dst))
	list, err := builder.Build()
	require.NoError(t, err)

	dst.Release()
	_, err = device.Queues()[0].Submit(list)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Equal(t, StateBuilt, list.State())
}

func TestSoftwareQueue_SubmitTwice(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{})

	src, err := device.AllocateBuffer("source", BufferUsageAll, ascending(4))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("destination", BufferUsageAll, make([]int32, 4))
	require.NoError(t, err)

	builder, err := NewCommandListBuilder(device, family, OneTimeSubmit)
	require.NoError(t, err)
	require.NoError(t, builder.CopyBuffer(src, dst))
	list, err := builder.Build()
	require.NoError(t, err)

	queue := device.Queues()[0]
	fence, err := queue.Submit(list)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, list.State())

	_, err = queue.Submit(list)
	assert.True(t, errors.Is(err, ErrCommandListSubmitted))
	require.NoError(t, fence.Wait(context.Background()))
}

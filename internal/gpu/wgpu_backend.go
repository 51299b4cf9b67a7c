package gpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu"
	"go.uber.org/zap"

	// Registers the Vulkan, GLES and software HAL backends.
	_ "github.com/gogpu/wgpu/hal/allbackends"
)

// WGPUPlatform implements Platform on top of gogpu/wgpu. WebGPU exposes one
// adapter per request and a single universal queue per device, so the
// platform reports at most one physical device with one queue family.
//
// WebGPU does not allow a buffer to be both mappable and a general purpose
// buffer, so buffers are plain device buffers and Read goes through a
// short lived MapRead staging copy.
type WGPUPlatform struct {
	logger *zap.Logger
	opts   Options

	mu        sync.Mutex
	instance  *wgpu.Instance
	adapter   *wgpu.Adapter
	probed    bool
	devices   []*wgpuLogicalDevice
	destroyed bool
}

// NewWGPUPlatform creates a wgpu instance. Adapters are requested lazily on
// the first call to PhysicalDevices.
func NewWGPUPlatform(opts Options) (*WGPUPlatform, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wgpu instance: %v", ErrBackendUnavailable, err)
	}
	logger.Debug("wgpu instance created")
	return &WGPUPlatform{logger: logger, opts: opts, instance: instance}, nil
}

func (p *WGPUPlatform) Name() string { return KindWGPU.String() }

func (p *WGPUPlatform) PhysicalDevices() ([]PhysicalDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}
	if !p.probed {
		p.probed = true
		adapter, err := p.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
			PowerPreference:      wgpu.PowerPreferenceHighPerformance,
			ForceFallbackAdapter: p.opts.ForceFallbackAdapter,
		})
		if err != nil {
			// No adapter is not an error of the platform, it simply has
			// nothing to offer.
			p.logger.Debug("no wgpu adapter", zap.Error(err))
		} else {
			p.adapter = adapter
			info := adapter.Info()
			p.logger.Info("wgpu adapter found",
				zap.String("name", info.Name),
				zap.Stringer("backend", info.Backend),
				zap.Stringer("type", info.DeviceType))
		}
	}
	if p.adapter == nil {
		return nil, nil
	}
	return []PhysicalDevice{&wgpuPhysicalDevice{platform: p, adapter: p.adapter}}, nil
}

func (p *WGPUPlatform) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	devices := p.devices
	p.devices = nil
	p.mu.Unlock()

	for _, d := range devices {
		_ = d.Destroy()
	}
	if p.adapter != nil {
		p.adapter.Release()
	}
	p.instance.Release()
	p.logger.Debug("wgpu platform destroyed")
	return nil
}

func (p *WGPUPlatform) track(d *wgpuLogicalDevice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	p.devices = append(p.devices, d)
	return nil
}

// wgpuFamily is the only family a WebGPU device exposes.
var wgpuFamily = QueueFamily{Index: 0, Flags: QueueGraphics | QueueCompute | QueueTransfer, QueueCount: 1}

type wgpuPhysicalDevice struct {
	platform *WGPUPlatform
	adapter  *wgpu.Adapter
}

func (d *wgpuPhysicalDevice) Info() DeviceInfo {
	info := d.adapter.Info()
	return DeviceInfo{
		Name:    info.Name,
		Type:    deviceTypeFromWGPU(info.DeviceType),
		Vendor:  info.Vendor,
		Driver:  info.Driver,
		Backend: fmt.Sprintf("%s/%s", KindWGPU, info.Backend),
	}
}

func (d *wgpuPhysicalDevice) QueueFamilies() (QueueFamilySlice, error) {
	f := wgpuFamily
	return QueueFamilySlice{&f}, nil
}

func (d *wgpuPhysicalDevice) CreateLogicalDevice(family *QueueFamily) (LogicalDevice, error) {
	if family == nil || family.Index != wgpuFamily.Index {
		return nil, fmt.Errorf("gpu: queue family not exposed by %s", d.adapter.Info().Name)
	}
	dev, err := d.adapter.RequestDevice(&wgpu.DeviceDescriptor{Label: d.platform.opts.AppName})
	if err != nil {
		return nil, fmt.Errorf("gpu: wgpu request device: %w", err)
	}
	ld := &wgpuLogicalDevice{
		phys:    d,
		logger:  d.platform.logger.With(zap.String("device", d.adapter.Info().Name)),
		device:  dev,
		buffers: make(map[*wgpuBuffer]struct{}),
	}
	f := wgpuFamily
	ld.queue = &wgpuQueue{device: ld, family: &f}
	if err := d.platform.track(ld); err != nil {
		dev.Release()
		return nil, err
	}
	ld.logger.Debug("logical device created")
	return ld, nil
}

type wgpuLogicalDevice struct {
	phys   *wgpuPhysicalDevice
	logger *zap.Logger
	queue  *wgpuQueue

	// mu serializes every call into the wgpu device, polls included.
	mu        sync.Mutex
	device    *wgpu.Device
	buffers   map[*wgpuBuffer]struct{}
	destroyed bool
}

func (d *wgpuLogicalDevice) Info() DeviceInfo { return d.phys.Info() }

func (d *wgpuLogicalDevice) Queues() []Queue { return []Queue{d.queue} }

func (d *wgpuLogicalDevice) AllocateBuffer(label string, usage BufferUsage, data []int32) (Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBuffer
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}

	// CopyDst uploads the initial contents and CopySrc feeds the readback
	// staging buffer, so both are always set on the device side.
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  byteSize(len(data)),
		Usage: toWGPUUsage(usage) | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOutOfMemory, label, err)
	}
	if err := d.device.Queue().WriteBuffer(buf, 0, Int32ToBytes(data)); err != nil {
		buf.Release()
		return nil, fmt.Errorf("gpu: upload %s: %w", label, err)
	}
	b := &wgpuBuffer{owner: d, label: label, usage: usage, length: len(data), buf: buf}
	d.buffers[b] = struct{}{}
	d.logger.Debug("buffer allocated",
		zap.String("label", label),
		zap.Int("elements", len(data)),
		zap.Stringer("usage", usage))
	return b, nil
}

func (d *wgpuLogicalDevice) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	buffers := make([]*wgpuBuffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	d.mu.Unlock()

	for _, b := range buffers {
		b.Release()
	}
	d.mu.Lock()
	d.device.Poll(wgpu.PollWait)
	d.device.Release()
	d.mu.Unlock()
	return nil
}

func (d *wgpuLogicalDevice) isDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *wgpuLogicalDevice) forget(b *wgpuBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, b)
	b.buf.Release()
}

type wgpuQueue struct {
	device *wgpuLogicalDevice
	family *QueueFamily
}

func (q *wgpuQueue) Family() *QueueFamily { return q.family }

func (q *wgpuQueue) Submit(list *CommandList) (Fence, error) {
	if list == nil {
		return nil, fmt.Errorf("gpu: submit requires a command list")
	}
	d := q.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}
	ops := list.Ops()
	used := make([]*wgpuBuffer, 0, 2*len(ops))
	for _, op := range ops {
		for _, b := range []Buffer{op.Src, op.Dst} {
			wb, ok := b.(*wgpuBuffer)
			if !ok || wb.owner != d {
				return nil, fmt.Errorf("%w: %s", ErrForeignBuffer, b.Label())
			}
			if wb.released.Load() {
				return nil, fmt.Errorf("%w: buffer %s", ErrDestroyed, wb.label)
			}
			used = append(used, wb)
		}
	}
	if err := list.MarkSubmitted(); err != nil {
		return nil, err
	}

	encoder, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "gpucopy"})
	if err != nil {
		return nil, fmt.Errorf("gpu: command encoder: %w", err)
	}
	for _, op := range ops {
		src := op.Src.(*wgpuBuffer)
		dst := op.Dst.(*wgpuBuffer)
		encoder.CopyBufferToBuffer(src.buf, 0, dst.buf, 0, byteSize(src.length))
	}
	cmd, err := encoder.Finish()
	if err != nil {
		return nil, fmt.Errorf("gpu: finish command buffer: %w", err)
	}
	index, err := d.device.Queue().Submit(cmd)
	if err != nil {
		return nil, fmt.Errorf("gpu: queue submit: %w", err)
	}
	for _, b := range used {
		b.pending.Store(index)
	}
	d.logger.Debug("command list submitted", zap.Int("ops", len(ops)), zap.Uint64("submission", index))
	return &wgpuFence{device: d, index: index}, nil
}

// wgpuFence tracks a queue submission index.
type wgpuFence struct {
	device *wgpuLogicalDevice
	index  uint64
}

func (f *wgpuFence) Signaled() bool {
	d := f.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return false
	}
	return d.device.Queue().Poll() >= f.index
}

// Wait blocks in the device poll while holding the device lock. When ctx
// ends first the poll keeps the lock until the device is idle, so a
// following Release or Destroy cannot free buffers the submission uses.
func (f *wgpuFence) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.Signaled() {
		return nil
	}
	d := f.device
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.destroyed {
			d.device.Poll(wgpu.PollWait)
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("gpu: wait: %w", ctx.Err())
	}
	if !f.Signaled() {
		if d.isDestroyed() {
			return ErrDestroyed
		}
		return fmt.Errorf("%w: submission %d never completed", ErrDeviceLost, f.index)
	}
	return nil
}

type wgpuBuffer struct {
	owner  *wgpuLogicalDevice
	label  string
	usage  BufferUsage
	length int
	buf    *wgpu.Buffer

	// pending is the index of the last submission writing to the buffer.
	pending  atomic.Uint64
	released atomic.Bool
}

func (b *wgpuBuffer) Label() string      { return b.label }
func (b *wgpuBuffer) Len() int           { return b.length }
func (b *wgpuBuffer) Usage() BufferUsage { return b.usage }

func (b *wgpuBuffer) Read(ctx context.Context) ([]int32, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.released.Load() {
		return nil, fmt.Errorf("%w: buffer %s", ErrDestroyed, b.label)
	}
	d := b.owner
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}
	if d.device.Queue().Poll() < b.pending.Load() {
		return nil, fmt.Errorf("%w: %s", ErrBufferInFlight, b.label)
	}

	size := byteSize(b.length)
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + " readback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: readback buffer: %w", err)
	}
	defer staging.Release()

	encoder, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "readback"})
	if err != nil {
		return nil, fmt.Errorf("gpu: command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(b.buf, 0, staging, 0, size)
	cmd, err := encoder.Finish()
	if err != nil {
		return nil, fmt.Errorf("gpu: finish readback: %w", err)
	}
	if _, err := d.device.Queue().Submit(cmd); err != nil {
		return nil, fmt.Errorf("gpu: submit readback: %w", err)
	}

	if err := staging.Map(ctx, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("gpu: map %s: %w", b.label, err)
	}
	defer func() { _ = staging.Unmap() }()
	rng, err := staging.MappedRange(0, size)
	if err != nil {
		return nil, fmt.Errorf("gpu: mapped range %s: %w", b.label, err)
	}
	return BytesToInt32(rng.Bytes()), nil
}

func (b *wgpuBuffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.owner.forget(b)
}

func toWGPUUsage(u BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	pairs := []struct {
		from BufferUsage
		to   wgpu.BufferUsage
	}{
		{BufferUsageTransferSrc, wgpu.BufferUsageCopySrc},
		{BufferUsageTransferDst, wgpu.BufferUsageCopyDst},
		{BufferUsageUniform, wgpu.BufferUsageUniform},
		{BufferUsageStorage, wgpu.BufferUsageStorage},
		{BufferUsageIndex, wgpu.BufferUsageIndex},
		{BufferUsageVertex, wgpu.BufferUsageVertex},
		{BufferUsageIndirect, wgpu.BufferUsageIndirect},
	}
	for _, p := range pairs {
		if u.Contains(p.from) {
			out |= p.to
		}
	}
	return out
}

func deviceTypeFromWGPU(t gputypes.DeviceType) DeviceType {
	switch t {
	case gputypes.DeviceTypeIntegratedGPU:
		return DeviceTypeIntegratedGPU
	case gputypes.DeviceTypeDiscreteGPU:
		return DeviceTypeDiscreteGPU
	case gputypes.DeviceTypeVirtualGPU:
		return DeviceTypeVirtualGPU
	case gputypes.DeviceTypeCPU:
		return DeviceTypeCPU
	default:
		return DeviceTypeOther
	}
}

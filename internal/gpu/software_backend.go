package gpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SoftwareDevice describes one simulated physical device.
type SoftwareDevice struct {
	Name     string
	Families []QueueFamily
}

// SoftwareOptions configures the software platform.
type SoftwareOptions struct {
	// Devices are reported in order by PhysicalDevices. Empty means
	// DefaultSoftwareDevices.
	Devices []SoftwareDevice
	// MemoryBytes caps the bytes a logical device may allocate; 0 is
	// unlimited.
	MemoryBytes int64
	// Latency is added to the execution of every submission.
	Latency time.Duration
	// LoseDevice makes every submission fail with ErrDeviceLost.
	LoseDevice bool
}

// DefaultSoftwareDevices returns a single device laid out like a typical
// desktop GPU: a universal family, an async compute family and a transfer
// family.
func DefaultSoftwareDevices() []SoftwareDevice {
	return []SoftwareDevice{{
		Name: "Software Device",
		Families: []QueueFamily{
			{Flags: QueueGraphics | QueueCompute | QueueTransfer, QueueCount: 16},
			{Flags: QueueCompute | QueueTransfer, QueueCount: 8},
			{Flags: QueueTransfer, QueueCount: 2},
		},
	}}
}

// SoftwarePlatform implements Platform in process memory. Submissions run on
// a goroutine per queue, so the host still has to wait on the fence before
// reading results.
type SoftwarePlatform struct {
	logger *zap.Logger
	opts   SoftwareOptions

	mu        sync.Mutex
	devices   []*softwareLogicalDevice
	destroyed bool
}

// NewSoftwarePlatform creates a new software platform instance.
func NewSoftwarePlatform(logger *zap.Logger, opts SoftwareOptions) *SoftwarePlatform {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Devices) == 0 {
		opts.Devices = DefaultSoftwareDevices()
	}
	logger.Debug("software platform initialized", zap.Int("devices", len(opts.Devices)))
	return &SoftwarePlatform{logger: logger, opts: opts}
}

func (p *SoftwarePlatform) Name() string { return KindSoftware.String() }

func (p *SoftwarePlatform) PhysicalDevices() ([]PhysicalDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}
	ret := make([]PhysicalDevice, len(p.opts.Devices))
	for i, desc := range p.opts.Devices {
		ret[i] = &softwarePhysicalDevice{platform: p, index: i, desc: desc}
	}
	return ret, nil
}

func (p *SoftwarePlatform) Destroy() error {
	p.mu.Lock()
	devices := p.devices
	p.devices = nil
	p.destroyed = true
	p.mu.Unlock()

	for _, d := range devices {
		_ = d.Destroy()
	}
	return nil
}

func (p *SoftwarePlatform) track(d *softwareLogicalDevice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	p.devices = append(p.devices, d)
	return nil
}

type softwarePhysicalDevice struct {
	platform *SoftwarePlatform
	index    int
	desc     SoftwareDevice
}

func (d *softwarePhysicalDevice) Info() DeviceInfo {
	return DeviceInfo{
		Name:        d.desc.Name,
		Type:        DeviceTypeCPU,
		Vendor:      fmt.Sprintf("software (%s)", runtime.GOARCH),
		Driver:      runtime.Version(),
		Backend:     KindSoftware.String(),
		TotalMemory: d.platform.opts.MemoryBytes,
	}
}

func (d *softwarePhysicalDevice) QueueFamilies() (QueueFamilySlice, error) {
	ret := make(QueueFamilySlice, len(d.desc.Families))
	for i, f := range d.desc.Families {
		ret[i] = &QueueFamily{Index: i, Flags: f.Flags, QueueCount: f.QueueCount}
	}
	return ret, nil
}

func (d *softwarePhysicalDevice) CreateLogicalDevice(family *QueueFamily) (LogicalDevice, error) {
	if family == nil || family.Index < 0 || family.Index >= len(d.desc.Families) {
		return nil, fmt.Errorf("gpu: queue family not exposed by %s", d.desc.Name)
	}
	want := d.desc.Families[family.Index]
	if want.Flags != family.Flags {
		return nil, fmt.Errorf("gpu: queue family %d flags %s do not match device (%s)",
			family.Index, family.Flags, want.Flags)
	}
	if want.QueueCount < 1 {
		return nil, fmt.Errorf("gpu: queue family %d exposes no queue", family.Index)
	}

	ld := &softwareLogicalDevice{
		phys:    d,
		logger:  d.platform.logger.With(zap.String("device", d.desc.Name)),
		buffers: make(map[*softwareBuffer]struct{}),
		lost:    make(chan struct{}),
	}
	ld.queue = &softwareQueue{device: ld, family: &QueueFamily{Index: family.Index, Flags: want.Flags, QueueCount: want.QueueCount}}
	if err := d.platform.track(ld); err != nil {
		return nil, err
	}
	ld.logger.Debug("logical device created", zap.Int("family", family.Index))
	return ld, nil
}

type softwareLogicalDevice struct {
	phys   *softwarePhysicalDevice
	logger *zap.Logger
	queue  *softwareQueue

	mu        sync.Mutex
	buffers   map[*softwareBuffer]struct{}
	usedBytes int64
	destroyed bool
	lost      chan struct{}
}

func (d *softwareLogicalDevice) Info() DeviceInfo { return d.phys.Info() }

func (d *softwareLogicalDevice) Queues() []Queue {
	return []Queue{d.queue}
}

func (d *softwareLogicalDevice) AllocateBuffer(label string, usage BufferUsage, data []int32) (Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBuffer
	}
	size := int64(byteSize(len(data)))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}
	limit := d.phys.platform.opts.MemoryBytes
	if limit > 0 && d.usedBytes+size > limit {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrOutOfMemory, label, size, d.usedBytes, limit)
	}
	b := &softwareBuffer{
		owner: d,
		label: label,
		usage: usage,
		data:  append([]int32(nil), data...),
	}
	d.buffers[b] = struct{}{}
	d.usedBytes += size
	d.logger.Debug("buffer allocated",
		zap.String("label", label),
		zap.Int("elements", len(data)),
		zap.Stringer("usage", usage))
	return b, nil
}

func (d *softwareLogicalDevice) forget(b *softwareBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[b]; ok {
		delete(d.buffers, b)
		d.usedBytes -= int64(byteSize(len(b.data)))
	}
}

func (d *softwareLogicalDevice) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	close(d.lost)
	buffers := make([]*softwareBuffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	d.mu.Unlock()

	for _, b := range buffers {
		b.Release()
	}
	return nil
}

func (d *softwareLogicalDevice) isDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

type softwareQueue struct {
	device *softwareLogicalDevice
	family *QueueFamily

	mu   sync.Mutex
	tail chan struct{}
}

func (q *softwareQueue) Family() *QueueFamily { return q.family }

func (q *softwareQueue) Submit(list *CommandList) (Fence, error) {
	if list == nil {
		return nil, fmt.Errorf("gpu: submit requires a command list")
	}
	if q.device.isDestroyed() {
		return nil, ErrDestroyed
	}
	ops := list.Ops()
	var used []*softwareBuffer
	for _, op := range ops {
		for _, b := range []Buffer{op.Src, op.Dst} {
			sb, ok := b.(*softwareBuffer)
			if !ok || sb.owner != q.device {
				return nil, fmt.Errorf("%w: %s", ErrForeignBuffer, b.Label())
			}
			if sb.released.Load() {
				return nil, fmt.Errorf("%w: buffer %s", ErrDestroyed, sb.label)
			}
			used = append(used, sb)
		}
	}
	if err := list.MarkSubmitted(); err != nil {
		return nil, err
	}
	for _, b := range used {
		b.inflight.Add(1)
	}

	fence := &softwareFence{done: make(chan struct{})}

	q.mu.Lock()
	prev := q.tail
	q.tail = fence.done
	q.mu.Unlock()

	q.device.logger.Debug("command list submitted", zap.Int("ops", len(ops)))
	go q.execute(prev, ops, used, fence)
	return fence, nil
}

// execute runs after the previous submission on the queue has finished.
func (q *softwareQueue) execute(prev <-chan struct{}, ops []CopyBufferOp, used []*softwareBuffer, fence *softwareFence) {
	if prev != nil {
		<-prev
	}
	opts := q.device.phys.platform.opts
	if opts.Latency > 0 {
		timer := time.NewTimer(opts.Latency)
		select {
		case <-timer.C:
		case <-q.device.lost:
			timer.Stop()
		}
	}

	select {
	case <-q.device.lost:
		fence.resolve(ErrDeviceLost, used)
		return
	default:
	}
	if opts.LoseDevice {
		fence.resolve(ErrDeviceLost, used)
		return
	}

	for _, op := range ops {
		src := op.Src.(*softwareBuffer)
		dst := op.Dst.(*softwareBuffer)
		src.mu.RLock()
		snapshot := append([]int32(nil), src.data...)
		src.mu.RUnlock()
		dst.mu.Lock()
		copy(dst.data, snapshot)
		dst.mu.Unlock()
	}
	fence.resolve(nil, used)
}

type softwareFence struct {
	once sync.Once
	done chan struct{}
	err  error
}

// resolve releases the buffers before closing done so that a Read issued
// right after Wait never observes them in flight.
func (f *softwareFence) resolve(err error, used []*softwareBuffer) {
	f.once.Do(func() {
		for _, b := range used {
			b.inflight.Add(-1)
		}
		f.err = err
		close(f.done)
	})
}

func (f *softwareFence) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return fmt.Errorf("gpu: wait: %w", ctx.Err())
	}
}

func (f *softwareFence) Signaled() bool {
	select {
	case <-f.done:
		return f.err == nil
	default:
		return false
	}
}

type softwareBuffer struct {
	owner *softwareLogicalDevice
	label string
	usage BufferUsage

	mu       sync.RWMutex
	data     []int32
	inflight atomic.Int32
	released atomic.Bool
}

func (b *softwareBuffer) Label() string      { return b.label }
func (b *softwareBuffer) Len() int           { return len(b.data) }
func (b *softwareBuffer) Usage() BufferUsage { return b.usage }

func (b *softwareBuffer) Read(ctx context.Context) ([]int32, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if b.released.Load() {
		return nil, fmt.Errorf("%w: buffer %s", ErrDestroyed, b.label)
	}
	if b.inflight.Load() > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBufferInFlight, b.label)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]int32(nil), b.data...), nil
}

func (b *softwareBuffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.owner.forget(b)
}

//go:build vulkan
// +build vulkan

package gpu

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// fencePollInterval bounds each vkWaitForFences call so a cancelled context
// is noticed while the device is still busy.
const fencePollInterval = 10 * time.Millisecond

// VulkanPlatform implements Platform with the Vulkan loader through cgo.
type VulkanPlatform struct {
	logger   *zap.Logger
	opts     Options
	instance vk.Instance

	mu        sync.Mutex
	devices   []*vulkanLogicalDevice
	destroyed bool
}

func newVulkanPlatform(opts Options) (Platform, error) {
	return NewVulkanPlatform(opts)
}

// NewVulkanPlatform loads the Vulkan loader and creates an instance.
func NewVulkanPlatform(opts Options) (*VulkanPlatform, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("%w: vulkan loader: %v", ErrBackendUnavailable, err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("%w: vulkan init: %v", ErrBackendUnavailable, err)
	}

	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         vk.MakeVersion(1, 0, 0),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PApplicationName:   safeString(opts.AppName),
		PEngineName:        safeString("gpucopy"),
	}
	var layers []string
	if opts.EnableValidation {
		layers = append(layers, safeString(validationLayer))
	}
	createInfo := vk.InstanceCreateInfo{
		SType:               vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:    &appInfo,
		EnabledLayerCount:   uint32(len(layers)),
		PpEnabledLayerNames: layers,
	}
	var instance vk.Instance
	if err := vk.Error(vk.CreateInstance(&createInfo, nil, &instance)); err != nil {
		return nil, fmt.Errorf("%w: create instance: %v", ErrBackendUnavailable, err)
	}
	vk.InitInstance(instance)

	logger.Debug("vulkan instance created", zap.Bool("validation", opts.EnableValidation))
	return &VulkanPlatform{logger: logger, opts: opts, instance: instance}, nil
}

func (p *VulkanPlatform) Name() string { return KindVulkan.String() }

func (p *VulkanPlatform) PhysicalDevices() ([]PhysicalDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}

	var count uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(p.instance, &count, nil)); err != nil {
		return nil, fmt.Errorf("gpu: enumerate physical devices: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	handles := make([]vk.PhysicalDevice, count)
	if err := vk.Error(vk.EnumeratePhysicalDevices(p.instance, &count, handles)); err != nil {
		return nil, fmt.Errorf("gpu: enumerate physical devices: %w", err)
	}

	ret := make([]PhysicalDevice, 0, count)
	for _, h := range handles {
		d := &vulkanPhysicalDevice{platform: p, handle: h}
		vk.GetPhysicalDeviceProperties(h, &d.props)
		d.props.Deref()
		vk.GetPhysicalDeviceMemoryProperties(h, &d.memory)
		d.memory.Deref()
		ret = append(ret, d)
	}
	return ret, nil
}

func (p *VulkanPlatform) Destroy() error {
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
	vk.DestroyInstance(p.instance, nil)
	p.logger.Debug("vulkan platform destroyed")
	return nil
}

func (p *VulkanPlatform) track(d *vulkanLogicalDevice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	p.devices = append(p.devices, d)
	return nil
}

type vulkanPhysicalDevice struct {
	platform *VulkanPlatform
	handle   vk.PhysicalDevice
	props    vk.PhysicalDeviceProperties
	memory   vk.PhysicalDeviceMemoryProperties
}

func (d *vulkanPhysicalDevice) name() string {
	return vk.ToString(d.props.DeviceName[:])
}

func (d *vulkanPhysicalDevice) Info() DeviceInfo {
	var total int64
	for i := uint32(0); i < d.memory.MemoryHeapCount; i++ {
		heap := d.memory.MemoryHeaps[i]
		heap.Deref()
		if heap.Flags&vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit) != 0 {
			total += int64(heap.Size)
		}
	}
	return DeviceInfo{
		Name:        d.name(),
		Type:        deviceTypeFromVulkan(d.props.DeviceType),
		Vendor:      fmt.Sprintf("0x%04x", d.props.VendorID),
		Driver:      fmt.Sprintf("%d", d.props.DriverVersion),
		Backend:     KindVulkan.String(),
		TotalMemory: total,
	}
}

func (d *vulkanPhysicalDevice) QueueFamilies() (QueueFamilySlice, error) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(d.handle, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(d.handle, &count, props)

	ret := make(QueueFamilySlice, count)
	for i, p := range props {
		p.Deref()
		ret[i] = &QueueFamily{
			Index:      i,
			Flags:      queueFlagsFromVulkan(p.QueueFlags),
			QueueCount: int(p.QueueCount),
		}
	}
	return ret, nil
}

func (d *vulkanPhysicalDevice) CreateLogicalDevice(family *QueueFamily) (LogicalDevice, error) {
	if family == nil {
		return nil, fmt.Errorf("gpu: queue family not exposed by %s", d.name())
	}
	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: uint32(family.Index),
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}
	createInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    []vk.DeviceQueueCreateInfo{queueInfo},
	}
	var device vk.Device
	if res := vk.CreateDevice(d.handle, &createInfo, nil, &device); res != vk.Success {
		return nil, fmt.Errorf("gpu: create device: %w", vulkanError(res))
	}

	var queue vk.Queue
	vk.GetDeviceQueue(device, uint32(family.Index), 0, &queue)

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: uint32(family.Index),
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(device, &poolInfo, nil, &pool); res != vk.Success {
		vk.DestroyDevice(device, nil)
		return nil, fmt.Errorf("gpu: create command pool: %w", vulkanError(res))
	}

	f := *family
	ld := &vulkanLogicalDevice{
		phys:    d,
		logger:  d.platform.logger.With(zap.String("device", d.name())),
		device:  device,
		pool:    pool,
		buffers: make(map[*vulkanBuffer]struct{}),
	}
	ld.queue = &vulkanQueue{device: ld, family: &f, handle: queue}
	if err := d.platform.track(ld); err != nil {
		vk.DestroyCommandPool(device, pool, nil)
		vk.DestroyDevice(device, nil)
		return nil, err
	}
	ld.logger.Debug("logical device created", zap.Int("family", family.Index))
	return ld, nil
}

type vulkanLogicalDevice struct {
	phys   *vulkanPhysicalDevice
	logger *zap.Logger
	queue  *vulkanQueue
	device vk.Device
	pool   vk.CommandPool

	// mu guards the command pool and the queue, which Vulkan requires to
	// be externally synchronized.
	mu        sync.Mutex
	buffers   map[*vulkanBuffer]struct{}
	fences    []*vulkanFence
	destroyed bool

	// retired holds released buffers a pending submission still reads or
	// writes. They are destroyed once their fences have signaled.
	retired []*vulkanBuffer
}

func (d *vulkanLogicalDevice) Info() DeviceInfo { return d.phys.Info() }

func (d *vulkanLogicalDevice) Queues() []Queue { return []Queue{d.queue} }

func (d *vulkanLogicalDevice) AllocateBuffer(label string, usage BufferUsage, data []int32) (Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBuffer
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}

	size := byteSize(len(data))
	bufInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       toVulkanUsage(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if res := vk.CreateBuffer(d.device, &bufInfo, nil, &buffer); res != vk.Success {
		return nil, fmt.Errorf("gpu: create buffer %s: %w", label, vulkanError(res))
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buffer, &req)
	req.Deref()
	typeIndex, err := d.phys.findMemoryType(req.MemoryTypeBits,
		vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if err != nil {
		vk.DestroyBuffer(d.device, buffer, nil)
		return nil, fmt.Errorf("%w: %s: %v", ErrOutOfMemory, label, err)
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: typeIndex,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(d.device, &allocInfo, nil, &memory); res != vk.Success {
		vk.DestroyBuffer(d.device, buffer, nil)
		return nil, fmt.Errorf("gpu: allocate %s: %w", label, vulkanError(res))
	}
	if res := vk.BindBufferMemory(d.device, buffer, memory, 0); res != vk.Success {
		vk.FreeMemory(d.device, memory, nil)
		vk.DestroyBuffer(d.device, buffer, nil)
		return nil, fmt.Errorf("gpu: bind %s: %w", label, vulkanError(res))
	}

	b := &vulkanBuffer{owner: d, label: label, usage: usage, length: len(data), buffer: buffer, memory: memory}
	if err := b.mapped(func(bytes []byte) { copy(bytes, Int32ToBytes(data)) }); err != nil {
		b.destroy()
		return nil, fmt.Errorf("gpu: upload %s: %w", label, err)
	}
	d.buffers[b] = struct{}{}
	d.logger.Debug("buffer allocated",
		zap.String("label", label),
		zap.Int("elements", len(data)),
		zap.Stringer("usage", usage))
	return b, nil
}

func (d *vulkanLogicalDevice) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	vk.DeviceWaitIdle(d.device)
	for _, f := range d.fences {
		f.destroy()
	}
	d.fences = nil
	buffers := make([]*vulkanBuffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	d.buffers = nil
	retired := d.retired
	d.retired = nil
	d.mu.Unlock()

	for _, b := range buffers {
		if b.released.CompareAndSwap(false, true) {
			b.destroy()
		}
	}
	for _, b := range retired {
		b.destroy()
	}
	vk.DestroyCommandPool(d.device, d.pool, nil)
	vk.DestroyDevice(d.device, nil)
	return nil
}

// forget destroys a released buffer, or retires it while a submission that
// uses it has not been observed complete.
func (d *vulkanLogicalDevice) forget(b *vulkanBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	delete(d.buffers, b)
	if b.inflight.Load() > 0 {
		d.retired = append(d.retired, b)
		d.logger.Debug("buffer retired until its submission completes", zap.String("label", b.label))
		return
	}
	b.destroy()
}

// reapRetired destroys the retired buffers no submission uses anymore.
// d.mu must be held.
func (d *vulkanLogicalDevice) reapRetired() {
	kept := d.retired[:0]
	for _, b := range d.retired {
		if b.inflight.Load() > 0 {
			kept = append(kept, b)
			continue
		}
		b.destroy()
	}
	d.retired = kept
}

func (d *vulkanPhysicalDevice) findMemoryType(typeBits uint32, props vk.MemoryPropertyFlagBits) (uint32, error) {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		mt := d.memory.MemoryTypes[i]
		mt.Deref()
		if typeBits&(1<<i) != 0 && vk.MemoryPropertyFlagBits(mt.PropertyFlags)&props == props {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no host-visible memory type matches 0x%x", typeBits)
}

type vulkanQueue struct {
	device *vulkanLogicalDevice
	family *QueueFamily
	handle vk.Queue
}

func (q *vulkanQueue) Family() *QueueFamily { return q.family }

func (q *vulkanQueue) Submit(list *CommandList) (Fence, error) {
	if list == nil {
		return nil, fmt.Errorf("gpu: submit requires a command list")
	}
	d := q.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}
	d.reapRetired()

	ops := list.Ops()
	used := make([]*vulkanBuffer, 0, 2*len(ops))
	for _, op := range ops {
		for _, b := range []Buffer{op.Src, op.Dst} {
			vb, ok := b.(*vulkanBuffer)
			if !ok || vb.owner != d {
				return nil, fmt.Errorf("%w: %s", ErrForeignBuffer, b.Label())
			}
			if vb.released.Load() {
				return nil, fmt.Errorf("%w: buffer %s", ErrDestroyed, vb.label)
			}
			used = append(used, vb)
		}
	}
	if err := list.MarkSubmitted(); err != nil {
		return nil, err
	}

	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cmds := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(d.device, &allocInfo, cmds); res != vk.Success {
		return nil, fmt.Errorf("gpu: allocate command buffer: %w", vulkanError(res))
	}
	cmd := cmds[0]
	free := func() { vk.FreeCommandBuffers(d.device, d.pool, 1, cmds) }

	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(cmd, &beginInfo); res != vk.Success {
		free()
		return nil, fmt.Errorf("gpu: begin command buffer: %w", vulkanError(res))
	}
	for _, op := range ops {
		src := op.Src.(*vulkanBuffer)
		dst := op.Dst.(*vulkanBuffer)
		vk.CmdCopyBuffer(cmd, src.buffer, dst.buffer, 1, []vk.BufferCopy{{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      vk.DeviceSize(byteSize(src.length)),
		}})
	}
	if res := vk.EndCommandBuffer(cmd); res != vk.Success {
		free()
		return nil, fmt.Errorf("gpu: end command buffer: %w", vulkanError(res))
	}

	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var handle vk.Fence
	if res := vk.CreateFence(d.device, &fenceInfo, nil, &handle); res != vk.Success {
		free()
		return nil, fmt.Errorf("gpu: create fence: %w", vulkanError(res))
	}
	submit := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    cmds,
	}
	if res := vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{submit}, handle); res != vk.Success {
		vk.DestroyFence(d.device, handle, nil)
		free()
		return nil, fmt.Errorf("gpu: queue submit: %w", vulkanError(res))
	}

	fence := &vulkanFence{device: d, handle: handle, cmds: cmds, used: used}
	for _, b := range used {
		b.inflight.Add(1)
	}
	d.fences = append(d.fences, fence)
	d.logger.Debug("command list submitted", zap.Int("ops", len(ops)))
	return fence, nil
}

type vulkanFence struct {
	device *vulkanLogicalDevice
	handle vk.Fence
	cmds   []vk.CommandBuffer
	used   []*vulkanBuffer

	once   sync.Once
	done   atomic.Bool
	failed atomic.Bool
}

// complete runs once the fence has been observed signaled or lost.
func (f *vulkanFence) complete(lost bool) {
	f.once.Do(func() {
		for _, b := range f.used {
			b.inflight.Add(-1)
		}
		f.failed.Store(lost)
		f.done.Store(true)
	})
}

func (f *vulkanFence) Signaled() bool {
	if f.done.Load() {
		return !f.failed.Load()
	}
	d := f.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return false
	}
	if vk.GetFenceStatus(d.device, f.handle) == vk.Success {
		f.complete(false)
		return true
	}
	return false
}

func (f *vulkanFence) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d := f.device
	for {
		if f.done.Load() {
			if f.failed.Load() {
				return ErrDeviceLost
			}
			return nil
		}
		d.mu.Lock()
		if d.destroyed {
			d.mu.Unlock()
			return ErrDestroyed
		}
		res := vk.WaitForFences(d.device, 1, []vk.Fence{f.handle}, vk.True, uint64(fencePollInterval.Nanoseconds()))
		d.mu.Unlock()

		switch res {
		case vk.Success:
			f.complete(false)
			return nil
		case vk.Timeout:
		case vk.ErrorDeviceLost:
			f.complete(true)
			return ErrDeviceLost
		default:
			return fmt.Errorf("gpu: wait for fence: %w", vulkanError(res))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("gpu: wait: %w", ctx.Err())
		default:
		}
	}
}

func (f *vulkanFence) destroy() {
	vk.WaitForFences(f.device.device, 1, []vk.Fence{f.handle}, vk.True, math.MaxUint64)
	vk.DestroyFence(f.device.device, f.handle, nil)
	vk.FreeCommandBuffers(f.device.device, f.device.pool, 1, f.cmds)
}

type vulkanBuffer struct {
	owner  *vulkanLogicalDevice
	label  string
	usage  BufferUsage
	length int
	buffer vk.Buffer
	memory vk.DeviceMemory

	inflight atomic.Int32
	released atomic.Bool
}

func (b *vulkanBuffer) Label() string      { return b.label }
func (b *vulkanBuffer) Len() int           { return b.length }
func (b *vulkanBuffer) Usage() BufferUsage { return b.usage }

// mapped maps the whole buffer for the duration of fn.
func (b *vulkanBuffer) mapped(fn func([]byte)) error {
	size := byteSize(b.length)
	var ptr unsafe.Pointer
	if res := vk.MapMemory(b.owner.device, b.memory, 0, vk.DeviceSize(size), 0, &ptr); res != vk.Success {
		return vulkanError(res)
	}
	fn(unsafe.Slice((*byte)(ptr), size))
	vk.UnmapMemory(b.owner.device, b.memory)
	return nil
}

func (b *vulkanBuffer) Read(ctx context.Context) ([]int32, error) {
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
	var out []int32
	err := b.mapped(func(bytes []byte) { out = BytesToInt32(bytes) })
	if err != nil {
		return nil, fmt.Errorf("gpu: map %s: %w", b.label, err)
	}
	return out, nil
}

func (b *vulkanBuffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.owner.forget(b)
}

func (b *vulkanBuffer) destroy() {
	vk.DestroyBuffer(b.owner.device, b.buffer, nil)
	vk.FreeMemory(b.owner.device, b.memory, nil)
}

func vulkanError(res vk.Result) error {
	switch res {
	case vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfHostMemory:
		return fmt.Errorf("%w (%d)", ErrOutOfMemory, res)
	case vk.ErrorDeviceLost:
		return ErrDeviceLost
	}
	return vk.Error(res)
}

func queueFlagsFromVulkan(f vk.QueueFlags) QueueFlags {
	var out QueueFlags
	if f&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
		out |= QueueGraphics
	}
	if f&vk.QueueFlags(vk.QueueComputeBit) != 0 {
		out |= QueueCompute
	}
	if f&vk.QueueFlags(vk.QueueTransferBit) != 0 {
		out |= QueueTransfer
	}
	return out
}

func toVulkanUsage(u BufferUsage) vk.BufferUsageFlags {
	var out vk.BufferUsageFlagBits
	pairs := []struct {
		from BufferUsage
		to   vk.BufferUsageFlagBits
	}{
		{BufferUsageTransferSrc, vk.BufferUsageTransferSrcBit},
		{BufferUsageTransferDst, vk.BufferUsageTransferDstBit},
		{BufferUsageUniform, vk.BufferUsageUniformBufferBit},
		{BufferUsageStorage, vk.BufferUsageStorageBufferBit},
		{BufferUsageIndex, vk.BufferUsageIndexBufferBit},
		{BufferUsageVertex, vk.BufferUsageVertexBufferBit},
		{BufferUsageIndirect, vk.BufferUsageIndirectBufferBit},
	}
	for _, p := range pairs {
		if u.Contains(p.from) {
			out |= p.to
		}
	}
	return vk.BufferUsageFlags(out)
}

func deviceTypeFromVulkan(t vk.PhysicalDeviceType) DeviceType {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return DeviceTypeIntegratedGPU
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return DeviceTypeDiscreteGPU
	case vk.PhysicalDeviceTypeVirtualGpu:
		return DeviceTypeVirtualGPU
	case vk.PhysicalDeviceTypeCpu:
		return DeviceTypeCPU
	default:
		return DeviceTypeOther
	}
}

func safeString(s string) string {
	if len(s) == 0 || s[len(s)-1] != 0 {
		return s + "\x00"
	}
	return s
}

package gpu

import (
	"fmt"
	"strings"
)

// BufferUsage restricts what a buffer may be used for.
type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageIndirect
)

// BufferUsageAll allows every usage. Host mapping is always available on
// buffers returned by AllocateBuffer, so it is not part of the mask.
const BufferUsageAll = BufferUsageTransferSrc | BufferUsageTransferDst | BufferUsageUniform |
	BufferUsageStorage | BufferUsageIndex | BufferUsageVertex | BufferUsageIndirect

func (u BufferUsage) Contains(o BufferUsage) bool {
	return u&o == o
}

func (u BufferUsage) String() string {
	if u == BufferUsageAll {
		return "all"
	}
	names := []struct {
		bit  BufferUsage
		name string
	}{
		{BufferUsageTransferSrc, "transfer_src"},
		{BufferUsageTransferDst, "transfer_dst"},
		{BufferUsageUniform, "uniform"},
		{BufferUsageStorage, "storage"},
		{BufferUsageIndex, "index"},
		{BufferUsageVertex, "vertex"},
		{BufferUsageIndirect, "indirect"},
	}
	var parts []string
	for _, n := range names {
		if u.Contains(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// DeviceType classifies a physical device.
type DeviceType int

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeOther:
		return "other"
	case DeviceTypeIntegratedGPU:
		return "integrated"
	case DeviceTypeDiscreteGPU:
		return "discrete"
	case DeviceTypeVirtualGPU:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MarshalText lets DeviceInfo serialize the type by name.
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

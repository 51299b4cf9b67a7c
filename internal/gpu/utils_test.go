package gpu

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt32Bytes(t *testing.T) {
	values := []int32{0, 1, -1, 1 << 30, -(1 << 31)}
	b := Int32ToBytes(values)
	assert.Len(t, b, 20)
	assert.Equal(t, []byte{1, 0, 0, 0}, b[4:8])
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b[8:12])
	assert.Equal(t, values, BytesToInt32(b))

	// Trailing partial element is dropped.
	assert.Equal(t, []int32{1}, BytesToInt32([]byte{1, 0, 0, 0, 9, 9}))
}

func TestBufferUsage_String(t *testing.T) {
	assert.Equal(t, "all", BufferUsageAll.String())
	assert.Equal(t, "none", BufferUsage(0).String())
	assert.Equal(t, "transfer_src|storage", (BufferUsageTransferSrc | BufferUsageStorage).String())
	assert.True(t, BufferUsageAll.Contains(BufferUsageTransferDst))
	assert.False(t, BufferUsageTransferSrc.Contains(BufferUsageTransferDst))
}

func TestDeviceInfo_JSON(t *testing.T) {
	out, err := json.Marshal(DeviceInfo{Name: "dev", Type: DeviceTypeDiscreteGPU, Backend: "vulkan"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"name":"dev","type":"discrete","backend":"vulkan"}`, string(out))
}

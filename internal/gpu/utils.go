package gpu

import "encoding/binary"

// elementSize is the size in bytes of one buffer element.
const elementSize = 4

// Int32ToBytes encodes values in little-endian order, the layout every
// supported backend uses for host-visible memory.
func Int32ToBytes(values []int32) []byte {
	out := make([]byte, len(values)*elementSize)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*elementSize:], uint32(v))
	}
	return out
}

// BytesToInt32 decodes little-endian bytes. Trailing bytes that do not form
// a whole element are ignored.
func BytesToInt32(data []byte) []int32 {
	out := make([]int32, len(data)/elementSize)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[i*elementSize:]))
	}
	return out
}

// byteSize returns the size in bytes of a buffer with n elements.
func byteSize(n int) uint64 {
	return uint64(n) * elementSize
}

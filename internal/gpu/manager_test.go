package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseKind(t *testing.T) {
	testCases := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindAuto, false},
		{"auto", KindAuto, false},
		{"Software", KindSoftware, false},
		{"cpu", KindSoftware, false},
		{"wgpu", KindWGPU, false},
		{"webgpu", KindWGPU, false},
		{" vulkan ", KindVulkan, false},
		{"cuda", KindAuto, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseKind(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKind_String(t *testing.T) {
	for _, k := range []Kind{KindAuto, KindSoftware, KindWGPU, KindVulkan} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	assert.Equal(t, "unknown(42)", Kind(42).String())
}

func TestOpen_Software(t *testing.T) {
	p, err := Open(KindSoftware, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer p.Destroy()

	assert.Equal(t, "software", p.Name())
	devices, err := p.PhysicalDevices()
	require.NoError(t, err)
	assert.NotEmpty(t, devices)
}

func TestOpen_Auto(t *testing.T) {
	// Whatever the host offers, auto always ends up with a usable platform.
	p, err := Open(KindAuto, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer p.Destroy()

	devices, err := p.PhysicalDevices()
	require.NoError(t, err)
	assert.NotEmpty(t, devices)
}

func TestOpen_Unknown(t *testing.T) {
	_, err := Open(Kind(42), Options{})
	assert.Error(t, err)
}

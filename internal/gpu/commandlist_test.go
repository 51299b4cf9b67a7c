package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandListBuilder(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{})

	alloc := func(label string, usage BufferUsage, n int) Buffer {
		b, err := device.AllocateBuffer(label, usage, make([]int32, n))
		require.NoError(t, err)
		return b
	}

	testCases := []struct {
		name    string
		src     Buffer
		dst     Buffer
		wantErr error
	}{
		{
			name: "matching lengths",
			src:  alloc("src", BufferUsageAll, 64),
			dst:  alloc("dst", BufferUsageAll, 64),
		},
		{
			name:    "destination shorter",
			src:     alloc("src", BufferUsageAll, 64),
			dst:     alloc("dst", BufferUsageAll, 32),
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "destination longer",
			src:     alloc("src", BufferUsageAll, 64),
			dst:     alloc("dst", BufferUsageAll, 65),
			wantErr: ErrLengthMismatch,
		},
		{
			name: "strict transfer usage",
			src:  alloc("src", BufferUsageTransferSrc, 8),
			dst:  alloc("dst", BufferUsageTransferDst, 8),
		},
		{
			name:    "source not transferable",
			src:     alloc("src", BufferUsageStorage, 8),
			dst:     alloc("dst", BufferUsageAll, 8),
			wantErr: ErrUsageMismatch,
		},
		{
			name:    "destination not writable",
			src:     alloc("src", BufferUsageAll, 8),
			dst:     alloc("dst", BufferUsageTransferSrc|BufferUsageUniform, 8),
			wantErr: ErrUsageMismatch,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			builder, err := NewCommandListBuilder(device, family, OneTimeSubmit)
			require.NoError(t, err)

			err = builder.CopyBuffer(tc.src, tc.dst)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				_, err = builder.Build()
				assert.ErrorIs(t, err, ErrEmptyCommandList)
				return
			}
			require.NoError(t, err)

			list, err := builder.Build()
			require.NoError(t, err)
			assert.Equal(t, StateBuilt, list.State())
			require.Len(t, list.Ops(), 1)
			assert.Same(t, tc.src, list.Ops()[0].Src)
			assert.Same(t, tc.dst, list.Ops()[0].Dst)
		})
	}
}

func TestCommandListBuilder_Validation(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{})

	_, err := NewCommandListBuilder(nil, family, OneTimeSubmit)
	assert.Error(t, err)
	_, err = NewCommandListBuilder(device, nil, OneTimeSubmit)
	assert.Error(t, err)
	_, err = NewCommandListBuilder(device, family, CommandUsage(7))
	assert.Error(t, err)

	builder, err := NewCommandListBuilder(device, family, OneTimeSubmit)
	require.NoError(t, err)
	assert.Error(t, builder.CopyBuffer(nil, nil))
}

func TestCommandListBuilder_NoAppendAfterBuild(t *testing.T) {
	_, device, family := openSoftwareDevice(t, SoftwareOptions{})

	src, err := device.AllocateBuffer("src", BufferUsageAll, ascending(4))
	require.NoError(t, err)
	dst, err := device.AllocateBuffer("dst", BufferUsageAll, make([]int32, 4))
	require.NoError(t, err)

	builder, err := NewCommandListBuilder(device, family, OneTimeSubmit)
	require.NoError(t, err)
	require.NoError(t, builder.CopyBuffer(src, dst))
	list, err := builder.Build()
	require.NoError(t, err)

	assert.ErrorIs(t, builder.CopyBuffer(src, dst), ErrCommandListBuilt)
	_, err = builder.Build()
	assert.ErrorIs(t, err, ErrCommandListBuilt)
	assert.Len(t, list.Ops(), 1)
}

func TestCommandList_MarkSubmitted(t *testing.T) {
	list := &CommandList{state: StateRecording}
	assert.ErrorIs(t, list.MarkSubmitted(), ErrCommandListNotBuilt)

	list.state = StateBuilt
	require.NoError(t, list.MarkSubmitted())
	assert.Equal(t, StateSubmitted, list.State())
	assert.ErrorIs(t, list.MarkSubmitted(), ErrCommandListSubmitted)
}

func TestCommandListState_String(t *testing.T) {
	assert.Equal(t, "recording", StateRecording.String())
	assert.Equal(t, "built", StateBuilt.String())
	assert.Equal(t, "submitted", StateSubmitted.String())
	assert.Equal(t, "unknown(9)", CommandListState(9).String())
}

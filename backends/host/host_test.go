package host

import (
	"testing"
	"unsafe"

	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAlignment(t *testing.T) {
	p := New()
	tests := []struct {
		name  string
		alloc func(platform.DeviceID, int64) (platform.Token, error)
		class platform.HeapClass
		align uintptr
	}{
		{"Device", p.Alloc, platform.Device, DeviceAlign},
		{"HostPinned", p.AllocHost, platform.HostPinned, PageSize},
		{"Unified", p.AllocUnified, platform.Unified, PageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := tt.alloc(0, 100)
			require.NoError(t, err)
			assert.Equal(t, tt.class, tok.Class())
			b, err := p.HostView(0, tok)
			require.NoError(t, err)
			require.Len(t, b, 100)
			assert.Zero(t, uintptr(unsafe.Pointer(&b[0]))%tt.align)
			require.NoError(t, p.Release(0, tok))
		})
	}
}

func TestCopies(t *testing.T) {
	p := New()
	a, err := p.Alloc(0, 16)
	require.NoError(t, err)
	b, err := p.AllocHost(0, 16)
	require.NoError(t, err)

	require.NoError(t, p.CopyFromHost([]byte{1, 2, 3, 4}, 0, a, 4))
	require.NoError(t, p.Copy(0, a, 4, 0, b, 8, 4))
	out := make([]byte, 4)
	require.NoError(t, p.CopyToHost(0, b, 8, out))
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	err = p.CopyFromHost(make([]byte, 8), 0, a, 12)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.ConfigurationError, fe.Kind)

	require.NoError(t, p.Release(0, a))
	assert.Error(t, p.Release(0, a))
}

func TestNoKernels(t *testing.T) {
	p := New()
	tests := []struct {
		call string
		err  error
	}{
		{"launch_kernel", p.LaunchKernel(0, &platform.LaunchParams{})},
		{"synchronize", p.Synchronize(0)},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			fe, ok := failure.As(tt.err)
			require.True(t, ok)
			assert.Equal(t, failure.BackendError, fe.Kind)
			assert.Equal(t, tt.call, fe.Call)
		})
	}
	assert.Equal(t, 1, p.DeviceCount())
	assert.Equal(t, Name, p.Name())
	assert.Positive(t, p.DeviceInfo(0).ComputeUnits)
}

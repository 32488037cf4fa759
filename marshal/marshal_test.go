package marshal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"unsafe"

	"github.com/notargets/DGRuntime/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundUp(t *testing.T) {
	tests := []struct{ offset, align, want uint64 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 4, 12},
		{5, 0, 5},
		{5, 1, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundUp(tt.offset, tt.align), "RoundUp(%d, %d)", tt.offset, tt.align)
	}
}

func mixedArgs() []platform.KernelArg {
	return []platform.KernelArg{
		platform.Val(int32(7)),                              // 0..4
		platform.Ptr(platform.MakeToken(platform.Device, 3)), // 8..16
		platform.StructArg([]byte{1, 2, 3, 4, 5, 6}, 4),     // 16..24
		platform.Val(float64(2.5)),                          // 24..32
		{Kind: platform.Value, Data: []byte{9}, Size: 1, Align: 1, AllocSize: 1},
	}
}

func TestPackLayout(t *testing.T) {
	args := mixedArgs()
	offsets, size := Layout(args)
	assert.Equal(t, []uint64{0, 8, 16, 24, 32}, offsets)
	assert.Equal(t, uint64(33), size)

	seg, n := Pack(args)
	require.Len(t, seg, 33)
	assert.Equal(t, uint64(33), n)
	assert.Equal(t, uint32(7), binary.NativeEndian.Uint32(seg[0:4]))
	assert.Equal(t, []byte{0, 0, 0, 0}, seg[4:8], "padding must be zero")
	assert.Equal(t, platform.MakeToken(platform.Device, 3), platform.Token(binary.NativeEndian.Uint64(seg[8:16])))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0, 0}, seg[16:24])
	assert.Equal(t, byte(9), seg[32])
}

func TestPackDeterministic(t *testing.T) {
	args := mixedArgs()
	first, size := Pack(args)
	for i := 0; i < 100; i++ {
		again, againSize := Pack(args)
		if !bytes.Equal(first, again) || size != againSize {
			t.Fatalf("run %d produced a different layout", i)
		}
	}
}

func TestCheckSegment(t *testing.T) {
	assert.Nil(t, CheckSegment("k", 32, 32))
	assert.Nil(t, CheckSegment("k", 32, 0))
	w := CheckSegment("k", 33, 40)
	require.NotNil(t, w)
	assert.False(t, w.Kind.Fatal())
}

func TestPointerArray(t *testing.T) {
	args := mixedArgs()
	pa, err := NewPointerArray(args)
	require.NoError(t, err)
	defer pa.Release()

	require.Equal(t, len(args), pa.Len())
	for i, p := range pa.Addrs() {
		got := unsafe.Slice((*byte)(p), len(args[i].Data))
		assert.Equal(t, args[i].Data, got, "argument #%d", i)
	}
	assert.Equal(t, unsafe.Pointer(&pa.Addrs()[0]), pa.Base())

	_, err = NewPointerArray([]platform.KernelArg{{Kind: platform.Value}})
	assert.Error(t, err)
}

type fakeBinder struct {
	released int
	structs  int
}

func (f *fakeBinder) DevicePointer(t platform.Token) (uint64, error) {
	if t == platform.NilToken {
		return 0, fmt.Errorf("nil token")
	}
	return 0x1000 + t.Index(), nil
}

func (f *fakeBinder) StructBuffer(arg platform.KernelArg) (uint64, func(), error) {
	f.structs++
	return 0x9000, func() { f.released++ }, nil
}

type plainBinder struct {
	structs int
}

func (p *plainBinder) DevicePointer(t platform.Token) (uint64, error) {
	return 0x1000 + t.Index(), nil
}

func TestLower(t *testing.T) {
	t.Run("StructBuffers", func(t *testing.T) {
		b := &fakeBinder{}
		low, err := Lower(mixedArgs(), b)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1003), binary.NativeEndian.Uint64(low.Args[1].Data))
		assert.Equal(t, platform.Pointer, low.Args[2].Kind)
		assert.Equal(t, uint64(0x9000), binary.NativeEndian.Uint64(low.Args[2].Data))
		assert.Equal(t, 1, low.Temps())
		low.Release()
		assert.Equal(t, 1, b.released)
		assert.Equal(t, 0, low.Temps())
	})

	t.Run("StructByValue", func(t *testing.T) {
		b := &plainBinder{}
		low, err := Lower(mixedArgs(), b)
		require.NoError(t, err)
		assert.Equal(t, platform.Struct, low.Args[2].Kind)
		assert.Equal(t, 0, b.structs)
	})

	t.Run("BadPointer", func(t *testing.T) {
		b := &fakeBinder{}
		args := append(mixedArgs(), platform.Ptr(platform.NilToken))
		_, err := Lower(args, b)
		require.Error(t, err)
		assert.Equal(t, b.structs, b.released, "temporaries are released on error")
	})
}

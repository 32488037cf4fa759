package platform

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/notargets/DGRuntime/failure"
)

// ArgKind tags a kernel argument.
type ArgKind uint8

const (
	Value ArgKind = iota
	Pointer
	Struct
)

func (k ArgKind) String() string {
	switch k {
	case Value:
		return "Value"
	case Pointer:
		return "Pointer"
	case Struct:
		return "Struct"
	default:
		return fmt.Sprintf("ArgKind(%d)", uint8(k))
	}
}

// ScalarType is an optional element type hint for Value arguments. Backends
// that bind arguments by type (OCCA) need it; raw ABIs ignore it.
type ScalarType uint8

const (
	Untyped ScalarType = iota
	Int32
	Int64
	Uint32
	Uint64
	Float32
	Float64
)

// KernelArg is one entry of a launch argument list.
type KernelArg struct {
	Kind ArgKind
	// Data holds the argument bytes in host byte order. For Pointer arguments it
	// holds the token.
	Data      []byte
	Size      uint32 // logical size copied into the argument buffer
	Align     uint32 // ABI alignment
	AllocSize uint32 // ABI allocation size, >= Size
	Type      ScalarType
}

// Token returns the token held by a Pointer argument.
func (a KernelArg) Token() Token {
	return Token(binary.NativeEndian.Uint64(a.Data))
}

// Dim3 is a 3D extent.
type Dim3 [3]uint32

// Size returns the number of elements covered by d.
func (d Dim3) Size() uint64 {
	return uint64(d[0]) * uint64(d[1]) * uint64(d[2])
}

// Div returns d / o component-wise.
func (d Dim3) Div(o Dim3) Dim3 {
	return Dim3{d[0] / o[0], d[1] / o[1], d[2] / o[2]}
}

// LaunchParams describes one kernel launch. Grid is the total number of
// threads per axis, not the number of blocks.
type LaunchParams struct {
	Source string // source identity, a file name resolved through the file table
	Kernel string
	Grid   Dim3
	Block  Dim3
	Args   []KernelArg
}

// NumArgs returns the argument count.
func (p *LaunchParams) NumArgs() int {
	return len(p.Args)
}

// ValidateLaunch checks that every grid component is positive and evenly
// divisible by the matching block component.
func ValidateLaunch(grid, block Dim3) error {
	for axis := range grid {
		if block[axis] == 0 || grid[axis] == 0 {
			return failure.Configuration("empty launch extent on axis %d: grid=%v block=%v", axis, grid, block)
		}
		if grid[axis]%block[axis] != 0 {
			return failure.Configuration("the grid size is not a multiple of the block size on axis %d: grid=%v block=%v",
				axis, grid, block)
		}
	}
	return nil
}

// Numeric lists the scalar types accepted by Val.
type Numeric interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Val returns a Value argument holding v.
func Val[T Numeric](v T) KernelArg {
	var data []byte
	var typ ScalarType
	switch x := any(v).(type) {
	case int32:
		data, typ = binary.NativeEndian.AppendUint32(nil, uint32(x)), Int32
	case uint32:
		data, typ = binary.NativeEndian.AppendUint32(nil, x), Uint32
	case float32:
		data, typ = binary.NativeEndian.AppendUint32(nil, math.Float32bits(x)), Float32
	case int64:
		data, typ = binary.NativeEndian.AppendUint64(nil, uint64(x)), Int64
	case uint64:
		data, typ = binary.NativeEndian.AppendUint64(nil, x), Uint64
	case float64:
		data, typ = binary.NativeEndian.AppendUint64(nil, math.Float64bits(x)), Float64
	default:
		// Named types fall back to their in-memory representation.
		data = binary.NativeEndian.AppendUint64(nil, 0)
		n, _ := binary.Encode(data, binary.NativeEndian, v)
		data = data[:n]
	}
	size := uint32(len(data))
	return KernelArg{Kind: Value, Data: data, Size: size, Align: size, AllocSize: size, Type: typ}
}

// Ptr returns a Pointer argument referencing t.
func Ptr(t Token) KernelArg {
	data := binary.NativeEndian.AppendUint64(nil, uint64(t))
	return KernelArg{Kind: Pointer, Data: data, Size: 8, Align: 8, AllocSize: 8}
}

// StructArg returns a Struct argument with the given ABI alignment.
func StructArg(data []byte, align uint32) KernelArg {
	if align == 0 {
		align = 1
	}
	size := uint32(len(data))
	alloc := (size + align - 1) / align * align
	return KernelArg{Kind: Struct, Data: data, Size: size, Align: align, AllocSize: alloc}
}

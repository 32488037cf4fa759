// Package marshal converts a launch argument list into the representation a
// backend ABI consumes: an array of argument addresses, or a packed kernarg
// segment.
package marshal

import (
	"encoding/binary"
	"runtime"
	"unsafe"

	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
)

// RoundUp rounds offset up to the next multiple of align. An align of 0 or 1
// leaves offset unchanged.
func RoundUp(offset, align uint64) uint64 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) / align * align
}

// Layout returns the offset of every argument in a packed segment and the
// final offset.
func Layout(args []platform.KernelArg) (offsets []uint64, size uint64) {
	offsets = make([]uint64, len(args))
	for i, a := range args {
		size = RoundUp(size, uint64(a.Align))
		offsets[i] = size
		size += uint64(a.AllocSize)
	}
	return offsets, size
}

// Pack lays args out as a packed kernarg segment. Size bytes of each argument
// are copied at its aligned offset, then the offset advances by AllocSize.
// Padding bytes are zero.
func Pack(args []platform.KernelArg) (segment []byte, size uint64) {
	offsets, size := Layout(args)
	segment = make([]byte, size)
	for i, a := range args {
		n := min(uint64(a.Size), uint64(len(a.Data)))
		copy(segment[offsets[i]:offsets[i]+n], a.Data[:n])
	}
	return segment, size
}

// CheckSegment compares a packed size against the segment size the backend
// reported. A mismatch is a warning, since backends may pad; want == 0 means
// the backend did not report a size.
func CheckSegment(kernel string, got, want uint64) *failure.Error {
	if want == 0 || got == want {
		return nil
	}
	return failure.Integrity("kernarg segment size mismatch for %q: packed %d bytes, kernel expects %d",
		kernel, got, want)
}

// PointerArray is the address-array representation. Each address points at
// the bytes of one argument; the memory stays pinned until Release.
type PointerArray struct {
	pinner runtime.Pinner
	addrs  []unsafe.Pointer
}

// NewPointerArray pins the data of every argument and collects its address.
// Zero-sized arguments are rejected since they have no address.
func NewPointerArray(args []platform.KernelArg) (*PointerArray, error) {
	pa := &PointerArray{addrs: make([]unsafe.Pointer, len(args))}
	for i, a := range args {
		if len(a.Data) == 0 {
			pa.Release()
			return nil, errors.Errorf("argument #%d (%s) has no data", i, a.Kind)
		}
		p := unsafe.Pointer(&a.Data[0])
		pa.pinner.Pin(p)
		pa.addrs[i] = p
	}
	return pa, nil
}

// Len returns the number of addresses.
func (pa *PointerArray) Len() int {
	return len(pa.addrs)
}

// Addrs returns the argument addresses in declared order.
func (pa *PointerArray) Addrs() []unsafe.Pointer {
	return pa.addrs
}

// Base returns the address of the first entry, or nil for an empty list.
func (pa *PointerArray) Base() unsafe.Pointer {
	if len(pa.addrs) == 0 {
		return nil
	}
	return unsafe.Pointer(&pa.addrs[0])
}

// Release unpins the argument data.
func (pa *PointerArray) Release() {
	pa.pinner.Unpin()
}

// Binder maps runtime tokens to the native addresses a backend's kernels see.
type Binder interface {
	DevicePointer(t platform.Token) (uint64, error)
}

// StructBinder is implemented by backends whose ABI passes struct arguments
// through a device-resident buffer. The returned release func frees the
// buffer once the launch that used it has retired.
type StructBinder interface {
	StructBuffer(arg platform.KernelArg) (addr uint64, release func(), err error)
}

// Lowered is an argument list rewritten for a native ABI.
type Lowered struct {
	Args  []platform.KernelArg
	temps []func()
}

// Lower rewrites Pointer arguments to native device addresses and, when b
// implements StructBinder, Struct arguments to pointers at temporary buffers.
// Value arguments pass through unchanged.
func Lower(args []platform.KernelArg, b Binder) (*Lowered, error) {
	sb, structBuffers := b.(StructBinder)
	low := &Lowered{Args: make([]platform.KernelArg, len(args))}
	for i, a := range args {
		switch {
		case a.Kind == platform.Pointer:
			addr, err := b.DevicePointer(a.Token())
			if err != nil {
				low.Release()
				return nil, errors.WithMessagef(err, "argument #%d", i)
			}
			low.Args[i] = nativePointer(addr)
		case a.Kind == platform.Struct && structBuffers:
			addr, release, err := sb.StructBuffer(a)
			if err != nil {
				low.Release()
				return nil, errors.WithMessagef(err, "struct argument #%d", i)
			}
			low.temps = append(low.temps, release)
			low.Args[i] = nativePointer(addr)
		default:
			low.Args[i] = a
		}
	}
	return low, nil
}

// Release frees the per-launch struct buffers.
func (l *Lowered) Release() {
	for _, release := range l.temps {
		release()
	}
	l.temps = nil
}

// Temps returns the number of per-launch buffers still held.
func (l *Lowered) Temps() int {
	return len(l.temps)
}

func nativePointer(addr uint64) platform.KernelArg {
	return platform.KernelArg{
		Kind:      platform.Pointer,
		Data:      binary.NativeEndian.AppendUint64(nil, addr),
		Size:      8,
		Align:     8,
		AllocSize: 8,
	}
}

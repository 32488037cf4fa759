package sim

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/marshal"
	"github.com/notargets/DGRuntime/platform"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// binder resolves tokens of one device. Tokens double as device addresses.
type binder struct {
	d *device
}

func (b binder) DevicePointer(t platform.Token) (uint64, error) {
	if _, err := b.d.buffer(t); err != nil {
		return 0, err
	}
	return uint64(t), nil
}

// structBinder adds per-launch struct buffers.
type structBinder struct {
	binder
}

func (b structBinder) StructBuffer(arg platform.KernelArg) (uint64, func(), error) {
	data := deviceBytes(int(arg.AllocSize))
	copy(data, arg.Data[:arg.Size])
	id := b.d.allocs.Put(&buffer{class: platform.Device, data: data})
	release := func() { b.d.allocs.Delete(id) }
	return uint64(platform.MakeToken(platform.Device, id)), release, nil
}

func (p *Platform) binderFor(d *device) marshal.Binder {
	if p.cfg.StructBuffers {
		return structBinder{binder{d}}
	}
	return binder{d}
}

func checkArgs(decl *kernelDecl, args []platform.KernelArg) error {
	if len(args) != len(decl.args) {
		return failure.Backend("simLaunchKernel()", 1,
			fmt.Sprintf("kernel %s takes %d arguments, got %d", decl.name, len(decl.args), len(args)))
	}
	for i, a := range args {
		want := decl.args[i]
		if a.Kind != want.kind || a.Size != want.size {
			return failure.Backend("simLaunchKernel()", 1,
				fmt.Sprintf("kernel %s argument #%d: want %s, got %s of %d bytes", decl.name, i, want, a.Kind, a.Size))
		}
	}
	return nil
}

// LaunchKernel compiles and resolves the kernel on first use, marshals the
// arguments for the configured ABI and enqueues the launch.
func (p *Platform) LaunchKernel(dev platform.DeviceID, params *platform.LaunchParams) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	entry, err := p.engine.LoadKernel(dev, params.Source, params.Kernel)
	if err != nil {
		return err
	}
	decl, ok := p.functions.Get(uint64(entry.Kernel))
	if !ok {
		return failure.Backend("simLaunchKernel()", 400, "invalid kernel handle")
	}
	if err := checkArgs(decl, params.Args); err != nil {
		return err
	}
	if threads := params.Block.Size(); threads > uint64(p.cfg.MaxThreadsPerBlock) {
		return failure.Backend("simLaunchKernel()", 701,
			fmt.Sprintf("too many resources requested for launch: %d threads per block", threads))
	}

	low, err := marshal.Lower(params.Args, p.binderFor(d))
	if err != nil {
		return failure.Wrap(failure.BackendError, "launch_kernel", err)
	}
	var raw [][]byte
	switch p.cfg.ABI {
	case PackedBuffer:
		segment, size := marshal.Pack(low.Args)
		if w := marshal.CheckSegment(decl.name, size, uint64(entry.Attrs.KernargSegmentSize)); w != nil {
			p.env.Warn(w.WithOp("launch_kernel"))
		}
		raw = unpack(segment, low.Args)
	default:
		pa, err := marshal.NewPointerArray(low.Args)
		if err != nil {
			low.Release()
			return failure.Wrap(failure.BackendError, "launch_kernel", err)
		}
		raw = readPointers(pa, low.Args)
		pa.Release()
	}

	grid := params.Grid.Div(params.Block)
	block := params.Block
	if err := d.q.submit(func() error {
		defer low.Release()
		return p.execute(d, decl, grid, block, low.Args, raw)
	}); err != nil {
		low.Release()
		return err
	}
	return nil
}

// unpack reads every argument back from a packed segment, the way device code
// addresses its kernarg segment.
func unpack(segment []byte, args []platform.KernelArg) [][]byte {
	offsets, _ := marshal.Layout(args)
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = segment[offsets[i] : offsets[i]+uint64(a.Size)]
	}
	return raw
}

// readPointers copies each argument through its address at launch time, so
// the caller may reuse its argument memory once LaunchKernel returns.
func readPointers(pa *marshal.PointerArray, args []platform.KernelArg) [][]byte {
	raw := make([][]byte, pa.Len())
	for i, addr := range pa.Addrs() {
		raw[i] = append([]byte(nil), unsafe.Slice((*byte)(addr), args[i].Size)...)
	}
	return raw
}

func (p *Platform) execute(d *device, decl *kernelDecl, grid, block platform.Dim3, low []platform.KernelArg, raw [][]byte) error {
	args := &Args{raw: raw, bufs: make([][]byte, len(raw))}
	for i, a := range low {
		if a.Kind != platform.Pointer {
			continue
		}
		b, err := d.buffer(platform.Token(binary.NativeEndian.Uint64(raw[i])))
		if err != nil {
			return err
		}
		args.bufs[i] = b.data
	}
	for i, spec := range decl.args {
		if spec.kind == platform.Struct && args.bufs[i] != nil {
			// The kernel sees the struct bytes, not the buffer address.
			args.raw[i] = make([]byte, spec.size)
		}
	}

	var start time.Time
	profiling := p.env.ProfilingEnabled()
	if profiling {
		start = time.Now()
	}
	var g errgroup.Group
	g.SetLimit(p.cfg.Parallelism)
	for z := uint32(0); z < grid[2]; z++ {
		for y := uint32(0); y < grid[1]; y++ {
			for x := uint32(0); x < grid[0]; x++ {
				b := Block{Idx: platform.Dim3{x, y, z}, Dim: block, Grid: grid}
				g.Go(func() error {
					if e := exceptions.Try(func() { decl.fn(b, args) }); e != nil {
						return failure.Backend("kernel "+decl.name, 719, fmt.Sprintf("block %v: %v", b.Idx, e))
					}
					return nil
				})
			}
		}
	}
	err := g.Wait()
	if profiling {
		us := uint64(time.Since(start).Microseconds())
		p.env.AddKernelTime(us)
		klog.V(1).Infof("%s device %d: kernel %s took %d us", p.cfg.Name, d.id, decl.name, us)
	}
	return err
}

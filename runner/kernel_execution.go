package runner

import (
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// KernelLaunch binds host data to a kernel's parameters and runs it: bound
// arrays are converted and copied to per-launch device buffers, the kernel is
// launched and synchronized, and outputs are copied back into their bindings.
type KernelLaunch struct {
	r       *Runtime
	plat    platform.PlatformID
	dev     platform.DeviceID
	source  string
	kernel  string
	grid    platform.Dim3
	block   platform.Dim3
	params  []*ParamBuilder
	structs map[int]platform.KernelArg
}

// Kernel starts a launch of kernel from source on (plat, dev).
func (r *Runtime) Kernel(plat platform.PlatformID, dev platform.DeviceID, source, kernel string) *KernelLaunch {
	return &KernelLaunch{r: r, plat: plat, dev: dev, source: source, kernel: kernel,
		grid: platform.Dim3{1, 1, 1}, block: platform.Dim3{1, 1, 1}}
}

// Grid sets the total thread count per axis.
func (k *KernelLaunch) Grid(x, y, z uint32) *KernelLaunch {
	k.grid = platform.Dim3{x, y, z}
	return k
}

// Block sets the threads per block per axis.
func (k *KernelLaunch) Block(x, y, z uint32) *KernelLaunch {
	k.block = platform.Dim3{x, y, z}
	return k
}

// Params appends parameters in kernel argument order.
func (k *KernelLaunch) Params(params ...*ParamBuilder) *KernelLaunch {
	k.params = append(k.params, params...)
	return k
}

// Struct appends a by-value struct argument at the next position.
func (k *KernelLaunch) Struct(data []byte, align uint32) *KernelLaunch {
	if k.structs == nil {
		k.structs = make(map[int]platform.KernelArg)
	}
	k.structs[len(k.params)] = platform.StructArg(data, align)
	k.params = append(k.params, nil)
	return k
}

// Run executes the launch and reports failures to the sink.
func (k *KernelLaunch) Run() {
	if err := k.run(); err != nil {
		k.r.report("launch_kernel", err)
	}
}

type boundParam struct {
	spec  ParamSpec
	token platform.Token
	owned bool
}

func (k *KernelLaunch) run() error {
	r := k.r
	p, err := r.device(k.plat, k.dev)
	if err != nil {
		return err
	}

	bound := make([]*boundParam, len(k.params))
	defer func() {
		for _, b := range bound {
			if b != nil && b.owned {
				if err := p.Release(k.dev, b.token); err != nil {
					klog.Warningf("releasing %s: %v", b.spec.Name, err)
				}
			}
		}
	}()

	// Pre-kernel: allocate and copy to device
	args := make([]platform.KernelArg, len(k.params))
	for i, pb := range k.params {
		if pb == nil {
			args[i] = k.structs[i]
			continue
		}
		spec := pb.Spec()
		if err := spec.Validate(); err != nil {
			return failure.Configuration("kernel %s: %v", k.kernel, err)
		}
		if spec.Direction == DirectionScalar {
			if args[i], err = spec.scalarArg(); err != nil {
				return failure.Configuration("kernel %s: %v", k.kernel, err)
			}
			continue
		}
		b := &boundParam{spec: spec, token: spec.Device}
		if b.token == platform.NilToken {
			if b.token, err = p.Alloc(k.dev, spec.DeviceBytes()); err != nil {
				return err
			}
			b.owned = true
		}
		bound[i] = b
		if spec.NeedsCopyTo() {
			data, err := hostBytes(&spec)
			if err != nil {
				return failure.Configuration("kernel %s, parameter %s: %v", k.kernel, spec.Name, err)
			}
			if err := p.CopyFromHost(data, k.dev, b.token, 0); err != nil {
				return err
			}
		}
		args[i] = platform.Ptr(b.token)
	}

	if err := platform.ValidateLaunch(k.grid, k.block); err != nil {
		return err
	}
	klog.V(2).Infof("launching %s from %s with %d args", k.kernel, k.source, len(args))
	err = p.LaunchKernel(k.dev, &platform.LaunchParams{
		Source: canonical(k.source),
		Kernel: k.kernel,
		Grid:   k.grid,
		Block:  k.block,
		Args:   args,
	})
	if err != nil {
		return err
	}
	if err := p.Synchronize(k.dev); err != nil {
		return err
	}

	// Post-kernel: copy back
	for _, b := range bound {
		if b == nil || !b.spec.NeedsCopyBack() {
			continue
		}
		data := make([]byte, b.spec.DeviceBytes())
		if err := p.CopyToHost(k.dev, b.token, 0, data); err != nil {
			return err
		}
		if err := storeHost(&b.spec, data); err != nil {
			return failure.Configuration("kernel %s, parameter %s: %v", k.kernel, b.spec.Name, err)
		}
	}
	return nil
}

// hostBytes encodes the binding in the parameter's device type.
func hostBytes(spec *ParamSpec) ([]byte, error) {
	if spec.IsMatrix {
		m, ok := spec.HostBinding.(mat.Matrix)
		if !ok {
			return nil, errors.Errorf("binding %T is not a matrix", spec.HostBinding)
		}
		return MatrixBytes(m), nil
	}
	return ConvertTo(spec.HostBinding, spec.GetEffectiveType())
}

// storeHost decodes device data back into the binding.
func storeHost(spec *ParamSpec, data []byte) error {
	if spec.IsMatrix {
		d, ok := spec.HostBinding.(*mat.Dense)
		if !ok {
			return errors.Errorf("copy back needs a *mat.Dense, got %T", spec.HostBinding)
		}
		return MatrixFromBytes(d, data)
	}
	return ConvertFrom(data, spec.GetEffectiveType(), spec.HostBinding)
}

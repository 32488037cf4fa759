package platform

// Module is an opaque handle to a loaded native module, scoped to one device.
type Module uint64

// Kernel is an opaque handle to a resolved kernel entry point, scoped to one device.
type Kernel uint64

// Toolchain is what a backend supplies to the compile-and-cache engine.
type Toolchain interface {
	// Target returns the ISA or compute-capability descriptor of dev.
	Target(dev DeviceID) string
	// Compile turns source bytes into a loadable binary for dev. The returned
	// log holds the compiler diagnostics, also on failure.
	Compile(dev DeviceID, identity string, source []byte) (binary []byte, log string, err error)
	// LoadModule loads a binary produced by Compile.
	LoadModule(dev DeviceID, identity string, binary []byte) (Module, error)
	// ResolveKernel looks name up in mod. A missing symbol is a ResolutionError.
	ResolveKernel(dev DeviceID, mod Module, name string) (Kernel, error)
}

// KernelAttributes describes the resource usage of a resolved kernel. It is
// informational and never gates a launch.
type KernelAttributes struct {
	Registers          int
	SharedBytes        int
	ConstBytes         int
	LocalBytes         int
	MaxThreadsPerBlock int
	// KernargSegmentSize is the packed argument size the backend expects, 0 when unknown.
	KernargSegmentSize int
}

// KernelInspector is optionally implemented by a Toolchain.
type KernelInspector interface {
	KernelAttributes(dev DeviceID, k Kernel) (KernelAttributes, error)
}

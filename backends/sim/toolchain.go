package sim

import (
	"bufio"
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/marshal"
	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source format, one directive per line:
//
//	# comment
//	.kernel <name> [= <body>] <arg> ...
//
// <body> names a library kernel and defaults to <name>. Each <arg> is one of
// ptr, i32, u32, i64, u64, f32, f64 or struct:<size>[:<align>].

const isaMagic = "SIMISA"

type argSpec struct {
	kind   platform.ArgKind
	scalar platform.ScalarType
	size   uint32
	align  uint32
}

func (s argSpec) String() string {
	switch s.kind {
	case platform.Pointer:
		return "ptr"
	case platform.Struct:
		return fmt.Sprintf("struct:%d:%d", s.size, s.align)
	}
	for name, spec := range scalarSpecs {
		if spec == s {
			return name
		}
	}
	return "?"
}

var scalarSpecs = map[string]argSpec{
	"i32": {platform.Value, platform.Int32, 4, 4},
	"u32": {platform.Value, platform.Uint32, 4, 4},
	"i64": {platform.Value, platform.Int64, 8, 8},
	"u64": {platform.Value, platform.Uint64, 8, 8},
	"f32": {platform.Value, platform.Float32, 4, 4},
	"f64": {platform.Value, platform.Float64, 8, 8},
}

func parseArg(tok string) (argSpec, error) {
	if tok == "ptr" {
		return argSpec{kind: platform.Pointer, size: 8, align: 8}, nil
	}
	if spec, ok := scalarSpecs[tok]; ok {
		return spec, nil
	}
	if rest, ok := strings.CutPrefix(tok, "struct:"); ok {
		parts := strings.Split(rest, ":")
		if len(parts) > 2 {
			return argSpec{}, errors.Errorf("malformed struct argument %q", tok)
		}
		size, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || size == 0 {
			return argSpec{}, errors.Errorf("bad struct size in %q", tok)
		}
		align := uint64(8)
		if len(parts) == 2 {
			align, err = strconv.ParseUint(parts[1], 10, 32)
			if err != nil || align == 0 || align&(align-1) != 0 {
				return argSpec{}, errors.Errorf("bad struct alignment in %q", tok)
			}
		}
		return argSpec{kind: platform.Struct, size: uint32(size), align: uint32(align)}, nil
	}
	return argSpec{}, errors.Errorf("unknown argument type %q", tok)
}

type kernelDecl struct {
	name string
	body string
	args []argSpec
	fn   KernelFunc
}

func (k *kernelDecl) line() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ".kernel %s = %s", k.name, k.body)
	for _, a := range k.args {
		sb.WriteByte(' ')
		sb.WriteString(a.String())
	}
	return sb.String()
}

type module struct {
	target  string
	kernels map[string]*kernelDecl
}

// parse reads directives and binds bodies from lib. Diagnostics are prefixed
// with identity and line number.
func parse(identity string, src []byte, lib map[string]KernelFunc) (map[string]*kernelDecl, []string) {
	kernels := make(map[string]*kernelDecl)
	var diags []string
	diag := func(line int, format string, args ...any) {
		diags = append(diags, fmt.Sprintf("%s:%d: %s", identity, line, fmt.Sprintf(format, args...)))
	}
	sc := bufio.NewScanner(bytes.NewReader(src))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] != ".kernel" {
			diag(lineNo, "unknown directive %q", fields[0])
			continue
		}
		if len(fields) < 2 {
			diag(lineNo, "missing kernel name")
			continue
		}
		k := &kernelDecl{name: fields[1], body: fields[1]}
		rest := fields[2:]
		if len(rest) >= 2 && rest[0] == "=" {
			k.body, rest = rest[1], rest[2:]
		}
		ok := true
		for _, tok := range rest {
			spec, err := parseArg(tok)
			if err != nil {
				diag(lineNo, "%v", err)
				ok = false
				continue
			}
			k.args = append(k.args, spec)
		}
		if k.fn = lib[k.body]; k.fn == nil {
			diag(lineNo, "undefined kernel body %q", k.body)
			ok = false
		}
		if _, dup := kernels[k.name]; dup {
			diag(lineNo, "kernel %q redefined", k.name)
			ok = false
		}
		if ok {
			kernels[k.name] = k
		}
	}
	return kernels, diags
}

func (p *Platform) library() map[string]KernelFunc {
	if len(p.cfg.Kernels) == 0 {
		return Builtins
	}
	lib := make(map[string]KernelFunc, len(Builtins)+len(p.cfg.Kernels))
	for name, fn := range Builtins {
		lib[name] = fn
	}
	for name, fn := range p.cfg.Kernels {
		lib[name] = fn
	}
	return lib
}

// Target implements platform.Toolchain.
func (p *Platform) Target(platform.DeviceID) string {
	return p.cfg.Target
}

// Compile implements platform.Toolchain. The binary is the canonical listing
// of the source behind an ISA header naming the target.
func (p *Platform) Compile(dev platform.DeviceID, identity string, source []byte) ([]byte, string, error) {
	if p.cfg.CompileDelay > 0 {
		time.Sleep(p.cfg.CompileDelay)
	}
	kernels, diags := parse(identity, source, p.library())
	log := strings.Join(diags, "\n")
	if len(diags) > 0 {
		return nil, log, failure.Compilation(log, "compiling %s for %s: %d errors", identity, p.Target(dev), len(diags))
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\n", isaMagic, p.Target(dev))
	for _, name := range slices.Sorted(maps.Keys(kernels)) {
		buf.WriteString(kernels[name].line())
		buf.WriteByte('\n')
	}
	bin := buf.Bytes()
	if p.cfg.DumpDir != "" {
		p.dump(identity, bin)
	}
	return bin, log, nil
}

func (p *Platform) dump(identity string, bin []byte) {
	name := filepath.Join(p.cfg.DumpDir, filepath.Base(identity)+".simisa")
	if err := os.MkdirAll(p.cfg.DumpDir, 0o755); err != nil {
		klog.Warningf("sim: creating dump directory: %v", err)
		return
	}
	if err := os.WriteFile(name, bin, 0o644); err != nil {
		klog.Warningf("sim: dumping %s: %v", name, err)
	}
}

// LoadModule implements platform.Toolchain.
func (p *Platform) LoadModule(dev platform.DeviceID, identity string, bin []byte) (platform.Module, error) {
	header, body, ok := bytes.Cut(bin, []byte("\n"))
	want := isaMagic + " " + p.Target(dev)
	if !ok || string(header) != want {
		return 0, failure.Backend("simModuleLoad()", 200, fmt.Sprintf("invalid image for %s: header %q", want, header))
	}
	kernels, diags := parse(identity, body, p.library())
	if len(diags) > 0 {
		return 0, failure.Backend("simModuleLoad()", 218, strings.Join(diags, "; "))
	}
	id := p.modules.Put(&module{target: p.Target(dev), kernels: kernels})
	return platform.Module(id), nil
}

// ResolveKernel implements platform.Toolchain.
func (p *Platform) ResolveKernel(dev platform.DeviceID, mod platform.Module, name string) (platform.Kernel, error) {
	m, ok := p.modules.Get(uint64(mod))
	if !ok {
		return 0, failure.Backend("simModuleGetFunction()", 400, "invalid module handle")
	}
	k, ok := m.kernels[name]
	if !ok {
		return 0, failure.Resolution("kernel %q not found in module", name)
	}
	return platform.Kernel(p.functions.Put(k)), nil
}

// KernelAttributes implements platform.KernelInspector.
func (p *Platform) KernelAttributes(dev platform.DeviceID, k platform.Kernel) (platform.KernelAttributes, error) {
	decl, ok := p.functions.Get(uint64(k))
	if !ok {
		return platform.KernelAttributes{}, errors.Errorf("invalid kernel handle %d", k)
	}
	_, size := marshal.Layout(p.abiArgs(decl.args))
	return platform.KernelAttributes{
		MaxThreadsPerBlock: p.cfg.MaxThreadsPerBlock,
		KernargSegmentSize: int(size),
	}, nil
}

// abiArgs returns the argument shapes the device ABI expects for specs.
func (p *Platform) abiArgs(specs []argSpec) []platform.KernelArg {
	args := make([]platform.KernelArg, len(specs))
	for i, s := range specs {
		if s.kind == platform.Struct && p.cfg.StructBuffers {
			args[i] = platform.KernelArg{Kind: platform.Pointer, Size: 8, Align: 8, AllocSize: 8}
			continue
		}
		alloc := uint32(marshal.RoundUp(uint64(s.size), uint64(s.align)))
		args[i] = platform.KernelArg{Kind: s.kind, Size: s.size, Align: s.align, AllocSize: alloc}
	}
	return args
}

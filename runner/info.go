package runner

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/notargets/DGRuntime/kernelcache"
	"github.com/notargets/DGRuntime/platform"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// PlatformInfo describes one registered platform.
type PlatformInfo struct {
	ID      platform.PlatformID
	Name    string
	Devices []platform.DeviceInfo
}

// Info constructs every registered platform and returns its devices.
func (r *Runtime) Info() []PlatformInfo {
	n := r.PlatformCount()
	infos := make([]PlatformInfo, 0, n)
	for id := platform.PlatformID(0); int(id) < n; id++ {
		p, err := r.Platform(id)
		if err != nil {
			r.report("info", err)
			continue
		}
		pi := PlatformInfo{ID: id, Name: p.Name()}
		for dev := 0; dev < p.DeviceCount(); dev++ {
			pi.Devices = append(pi.Devices, p.DeviceInfo(platform.DeviceID(dev)))
		}
		infos = append(infos, pi)
	}
	return infos
}

// DisplayInfo writes a human-readable summary of every platform to w.
func (r *Runtime) DisplayInfo(w io.Writer) {
	for _, pi := range r.Info() {
		fmt.Fprintf(w, "Platform %d: %s (%d devices)\n", pi.ID, pi.Name, len(pi.Devices))
		for i, d := range pi.Devices {
			fmt.Fprintf(w, "  Device %d: %s\n", i, d.Name)
			fmt.Fprintf(w, "    Target:             %s\n", d.Target)
			fmt.Fprintf(w, "    Memory:             %s\n", humanize.IBytes(d.TotalMemory))
			fmt.Fprintf(w, "    MaxThreadsPerBlock: %d\n", d.MaxThreadsPerBlock)
			fmt.Fprintf(w, "    SharedMemPerBlock:  %s\n", humanize.IBytes(uint64(d.SharedMemPerBlock)))
			fmt.Fprintf(w, "    ComputeUnits:       %d\n", d.ComputeUnits)
			if len(d.Features) > 0 {
				fmt.Fprintf(w, "    Features:           %s\n", strings.Join(d.Features, " "))
			}
		}
	}
	if r.cache != nil {
		fmt.Fprintf(w, "Disk cache: %s\n", r.cache.Dir())
	} else {
		fmt.Fprintln(w, "Disk cache: disabled")
	}
}

// compiler is implemented by platforms that compile through a kernelcache.Engine.
type compiler interface {
	Engine() *kernelcache.Engine
}

// Warmup compiles source and resolves the named kernels on (plat, dev) ahead
// of the first launch. Kernels resolve concurrently; the compilation happens
// once.
func (r *Runtime) Warmup(plat platform.PlatformID, dev platform.DeviceID, source string, kernels ...string) {
	p, err := r.device(plat, dev)
	if err != nil {
		r.report("warmup", err)
		return
	}
	c, ok := p.(compiler)
	if !ok {
		klog.V(1).Infof("warmup: platform %s compiles on launch", p.Name())
		return
	}
	identity := canonical(source)
	var g errgroup.Group
	for _, name := range kernels {
		g.Go(func() error {
			_, err := c.Engine().LoadKernel(dev, identity, name)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		r.report("warmup", err)
	}
}

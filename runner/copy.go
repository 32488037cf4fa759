package runner

import (
	"github.com/notargets/DGRuntime/backends/host"
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"k8s.io/klog/v2"
)

// Copy moves size bytes between two allocations.
//
// Within one platform the platform copies directly. Across platforms one side
// must be the host (platform 0): the other platform receives the host bytes
// through CopyFromHost or fills them through CopyToHost. Copies between two
// distinct accelerator platforms are rejected. Zero-length copies are no-ops.
func (r *Runtime) Copy(platSrc platform.PlatformID, devSrc platform.DeviceID, src platform.Token, offSrc int64,
	platDst platform.PlatformID, devDst platform.DeviceID, dst platform.Token, offDst int64, size int64) {
	if err := r.copy(platSrc, devSrc, src, offSrc, platDst, devDst, dst, offDst, size); err != nil {
		r.report("copy", err)
	}
}

func (r *Runtime) copy(platSrc platform.PlatformID, devSrc platform.DeviceID, src platform.Token, offSrc int64,
	platDst platform.PlatformID, devDst platform.DeviceID, dst platform.Token, offDst int64, size int64) error {
	ps, err := r.device(platSrc, devSrc)
	if err != nil {
		return err
	}
	pd, err := r.device(platDst, devDst)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	switch {
	case platSrc == platDst:
		klog.V(2).Infof("copy: %d bytes on platform %d, device %d -> %d", size, platSrc, devSrc, devDst)
		return ps.Copy(devSrc, src, offSrc, devDst, dst, offDst, size)
	case platSrc == platform.HostPlatform:
		from, err := r.hostWindow(devSrc, src, offSrc, size)
		if err != nil {
			return err
		}
		klog.V(2).Infof("copy: %d bytes host -> platform %d device %d", size, platDst, devDst)
		return pd.CopyFromHost(from, devDst, dst, offDst)
	case platDst == platform.HostPlatform:
		to, err := r.hostWindow(devDst, dst, offDst, size)
		if err != nil {
			return err
		}
		klog.V(2).Infof("copy: %d bytes platform %d device %d -> host", size, platSrc, devSrc)
		return ps.CopyToHost(devSrc, src, offSrc, to)
	default:
		return failure.Configuration("cannot copy memory between platforms %d (%s) and %d (%s): one side must be the host",
			platSrc, ps.Name(), platDst, pd.Name())
	}
}

// hostWindow resolves a host token to its bytes [off, off+size).
func (r *Runtime) hostWindow(dev platform.DeviceID, t platform.Token, off, size int64) ([]byte, error) {
	p, err := r.Platform(platform.HostPlatform)
	if err != nil {
		return nil, err
	}
	hm, ok := p.(platform.HostMemory)
	if !ok {
		return nil, failure.Configuration("platform 0 (%s) does not expose host memory", p.Name())
	}
	b, err := hm.Bytes(dev, t)
	if err != nil {
		return nil, err
	}
	return host.Window(b, off, size)
}

// CopyFromHost copies a Go byte slice into dst at offset off.
func (r *Runtime) CopyFromHost(plat platform.PlatformID, dev platform.DeviceID, dst platform.Token, off int64, src []byte) {
	p, err := r.device(plat, dev)
	if err == nil && len(src) > 0 {
		err = p.CopyFromHost(src, dev, dst, off)
	}
	if err != nil {
		r.report("copy_from_host", err)
	}
}

// CopyToHost fills a Go byte slice from src at offset off.
func (r *Runtime) CopyToHost(plat platform.PlatformID, dev platform.DeviceID, src platform.Token, off int64, dst []byte) {
	p, err := r.device(plat, dev)
	if err == nil && len(dst) > 0 {
		err = p.CopyToHost(dev, src, off, dst)
	}
	if err != nil {
		r.report("copy_to_host", err)
	}
}

// Package dummy provides the placeholder registered for a platform family
// whose driver could not be initialised. It keeps platform ids stable: every
// operation on it fails with "platform not available".
package dummy

import (
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
)

// Platform stands in for an unavailable family.
type Platform struct {
	name   string
	reason error
}

var _ platform.Platform = (*Platform)(nil)

// New returns a placeholder named after the missing family. reason, if not
// nil, is attached to every failure.
func New(name string, reason error) *Platform {
	return &Platform{name: name, reason: reason}
}

func (p *Platform) unavailable(op string) error {
	e := failure.Backend(op, 0, "platform "+p.name+" not available")
	e.Err = p.reason
	return e.WithOp(op)
}

// Reason returns why the family is unavailable.
func (p *Platform) Reason() error { return p.reason }

func (p *Platform) Name() string     { return p.name }
func (p *Platform) DeviceCount() int { return 0 }

func (p *Platform) DeviceInfo(platform.DeviceID) platform.DeviceInfo {
	return platform.DeviceInfo{Name: p.name + " (not available)"}
}

func (p *Platform) Alloc(platform.DeviceID, int64) (platform.Token, error) {
	return platform.NilToken, p.unavailable("alloc")
}

func (p *Platform) AllocHost(platform.DeviceID, int64) (platform.Token, error) {
	return platform.NilToken, p.unavailable("alloc_host")
}

func (p *Platform) AllocUnified(platform.DeviceID, int64) (platform.Token, error) {
	return platform.NilToken, p.unavailable("alloc_unified")
}

func (p *Platform) Release(platform.DeviceID, platform.Token) error {
	return p.unavailable("release")
}

func (p *Platform) ReleaseHost(platform.DeviceID, platform.Token) error {
	return p.unavailable("release_host")
}

func (p *Platform) HostView(platform.DeviceID, platform.Token) ([]byte, error) {
	return nil, p.unavailable("host_view")
}

func (p *Platform) LaunchKernel(platform.DeviceID, *platform.LaunchParams) error {
	return p.unavailable("launch_kernel")
}

func (p *Platform) Synchronize(platform.DeviceID) error {
	return p.unavailable("synchronize")
}

func (p *Platform) Copy(platform.DeviceID, platform.Token, int64, platform.DeviceID, platform.Token, int64, int64) error {
	return p.unavailable("copy")
}

func (p *Platform) CopyFromHost([]byte, platform.DeviceID, platform.Token, int64) error {
	return p.unavailable("copy_from_host")
}

func (p *Platform) CopyToHost(platform.DeviceID, platform.Token, int64, []byte) error {
	return p.unavailable("copy_to_host")
}

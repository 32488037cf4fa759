//go:build !occa

package occa

import "github.com/notargets/DGRuntime/platform"

// Factory reports ErrNotBuilt.
func Factory(Config) platform.Factory {
	return func(platform.Env) (platform.Platform, error) {
		return nil, ErrNotBuilt
	}
}

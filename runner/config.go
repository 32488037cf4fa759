package runner

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/notargets/DGRuntime/failure"
	"k8s.io/klog/v2"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvProfile      = "DGRT_PROFILE"
	EnvCacheDir     = "DGRT_CACHE_DIR"
	EnvDisableCache = "DGRT_DISABLE_CACHE"
)

// ProfileLevel gates timestamp capture around kernel launches.
type ProfileLevel int

const (
	ProfileNone ProfileLevel = iota
	ProfileFull
)

// ParseProfileLevel accepts "full" (case-insensitive); anything else disables profiling.
func ParseProfileLevel(s string) ProfileLevel {
	if strings.EqualFold(strings.TrimSpace(s), "full") {
		return ProfileFull
	}
	return ProfileNone
}

func (l ProfileLevel) String() string {
	if l == ProfileFull {
		return "full"
	}
	return "none"
}

// Config holds the process-wide toggles of a Runtime.
type Config struct {
	Profile ProfileLevel
	// CacheDir overrides the disk cache location; empty means DefaultCacheDir().
	CacheDir         string
	DisableDiskCache bool
	// Sink receives every failure; nil means failure.FatalSink.
	Sink failure.Sink
}

// DefaultCacheDir returns "cache" next to the running executable.
func DefaultCacheDir() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join(os.TempDir(), "dgrt-cache")
	}
	return filepath.Join(filepath.Dir(exe), "cache")
}

// ConfigFromEnv returns the default configuration adjusted by DGRT_PROFILE,
// DGRT_CACHE_DIR and DGRT_DISABLE_CACHE.
func ConfigFromEnv() Config {
	cfg := Config{
		Profile:  ParseProfileLevel(os.Getenv(EnvProfile)),
		CacheDir: os.Getenv(EnvCacheDir),
	}
	if v := os.Getenv(EnvDisableCache); v != "" {
		disable, err := strconv.ParseBool(v)
		if err != nil {
			klog.Warningf("ignoring %s=%q: %v", EnvDisableCache, v, err)
		}
		cfg.DisableDiskCache = disable
	}
	return cfg
}

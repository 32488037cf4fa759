// Command dgrt inspects the runtime's platforms, runs a smoke-test kernel on
// any of them and manages the compiled-binary cache.
package main

import (
	"flag"
	"os"

	"github.com/notargets/DGRuntime/backends/cuda"
	"github.com/notargets/DGRuntime/backends/occa"
	"github.com/notargets/DGRuntime/backends/sim"
	"github.com/notargets/DGRuntime/platform"
	"github.com/notargets/DGRuntime/runner"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	profile  bool
	cacheDir string
	noCache  bool
)

var rootCmd = &cobra.Command{
	Use:   "dgrt",
	Short: "Heterogeneous compute runtime",
	Long: `dgrt drives the runtime's platform families (CPU, SIM, CUDA and OCCA):
it lists devices, runs a smoke-test kernel and manages the disk cache of
compiled binaries.`,
	SilenceUsage: true,
}

func init() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.PersistentFlags().BoolVar(&profile, "profile", false, "Time kernels with device events")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Disk cache directory (default: "+runner.EnvCacheDir+" or next to the executable)")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Disable the disk cache")
}

// families lists the platforms registered after the host, in id order.
var families = []struct {
	name    string
	factory platform.Factory
}{
	{"SIM", sim.Factory(sim.DefaultConfig())},
	{cuda.Name, cuda.Factory(cuda.DefaultConfig())},
	{occa.Name, occa.Factory(occa.Config{})},
}

// newRuntime builds a runtime from the environment and the global flags, with
// every family registered.
func newRuntime() *runner.Runtime {
	cfg := runner.ConfigFromEnv()
	if profile {
		cfg.Profile = runner.ProfileFull
	}
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}
	if noCache {
		cfg.DisableDiskCache = true
	}
	r := runner.New(cfg)
	for _, f := range families {
		r.Register(f.name, f.factory)
	}
	return r
}

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}

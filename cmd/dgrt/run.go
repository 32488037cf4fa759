package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/notargets/DGRuntime/platform"
	"github.com/notargets/DGRuntime/runner"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// The smoke-test kernel flips every byte of a buffer, in each family's source language.
var invertSources = map[string]struct{ file, source string }{
	"SIM": {"invert.sim", `
.kernel invert = invert_u8 ptr i32
`},
	"CUDA": {"invert.cu", `
extern "C" __global__ void invert(unsigned char* p, int n) {
    int i = blockIdx.x * blockDim.x + threadIdx.x;
    if (i < n) p[i] = ~p[i];
}
`},
	"OCCA": {"invert.okl", `
@kernel void invert(unsigned char *p, const int n) {
    for (int b = 0; b < n; b += 64; @outer) {
        for (int i = b; i < b + 64; ++i; @inner) {
            if (i < n) p[i] = ~p[i];
        }
    }
}
`},
}

var (
	runPlatform   string
	runDevice     uint32
	runSize       int64
	runBlock      uint32
	runIterations int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the byte-inversion kernel and check the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := newRuntime()
		defer r.Close()

		plat, ok := findPlatform(r, runPlatform)
		if !ok {
			return errors.Errorf("unknown platform %q", runPlatform)
		}
		src, ok := invertSources[r.PlatformName(plat)]
		if !ok {
			return errors.Errorf("platform %s runs no kernels", r.PlatformName(plat))
		}
		if runSize <= 0 || runSize%int64(runBlock) != 0 {
			return errors.Errorf("--size %d must be a positive multiple of --block %d", runSize, runBlock)
		}
		r.RegisterFile(src.file, src.source)
		return invertScenario(cmd, r, plat, platform.DeviceID(runDevice), src.file)
	},
}

func findPlatform(r *runner.Runtime, name string) (platform.PlatformID, bool) {
	for id := platform.PlatformID(0); int(id) < r.PlatformCount(); id++ {
		if strings.EqualFold(r.PlatformName(id), name) {
			return id, true
		}
	}
	return 0, false
}

func invertScenario(cmd *cobra.Command, r *runner.Runtime, plat platform.PlatformID, dev platform.DeviceID, file string) error {
	out := cmd.OutOrStdout()
	info := r.DeviceInfo(plat, dev)
	fmt.Fprintf(out, "%s on %s (%s)\n", humanize.IBytes(uint64(runSize)), info.Name, info.Target)

	host := make([]byte, runSize)
	for i := range host {
		host[i] = byte(i)
	}
	buf := r.Alloc(plat, dev, runSize)
	defer r.Release(plat, dev, buf)
	r.CopyFromHost(plat, dev, buf, 0, host)

	launch := &platform.LaunchParams{
		Source: file,
		Kernel: "invert",
		Grid:   platform.Dim3{uint32(runSize), 1, 1},
		Block:  platform.Dim3{runBlock, 1, 1},
		Args:   []platform.KernelArg{platform.Ptr(buf), platform.Val(int32(runSize))},
	}
	bar := progressbar.NewOptions(runIterations,
		progressbar.OptionSetDescription("invert"),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("launches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	start := time.Now()
	for i := 0; i < runIterations; i++ {
		r.LaunchKernel(plat, dev, launch)
		r.Synchronize(plat, dev)
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	elapsed := time.Since(start)

	result := make([]byte, runSize)
	r.CopyToHost(plat, dev, buf, 0, result)
	for i := range result {
		want := host[i]
		if runIterations%2 == 1 {
			want = ^want
		}
		if result[i] != want {
			return errors.Errorf("byte %d: got %#x, want %#x", i, result[i], want)
		}
	}
	fmt.Fprintf(out, "\n%d launches in %s", runIterations, elapsed.Round(time.Microsecond))
	if r.ProfilingEnabled() {
		fmt.Fprintf(out, ", kernel time %s", time.Duration(r.KernelTime())*time.Microsecond)
	}
	fmt.Fprintln(out, ": OK")
	return nil
}

func init() {
	runCmd.Flags().StringVarP(&runPlatform, "platform", "p", "SIM", "Platform family (SIM, CUDA or OCCA)")
	runCmd.Flags().Uint32VarP(&runDevice, "device", "d", 0, "Device index")
	runCmd.Flags().Int64VarP(&runSize, "size", "n", 4096, "Buffer size in bytes")
	runCmd.Flags().Uint32Var(&runBlock, "block", 64, "Threads per block")
	runCmd.Flags().IntVarP(&runIterations, "iterations", "i", 1, "Number of launches")
	rootCmd.AddCommand(runCmd)
}

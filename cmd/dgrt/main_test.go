package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), errOut.String())
	return out.String()
}

func TestRunOnSim(t *testing.T) {
	dir := t.TempDir()
	out := execute(t, "run", "--cache-dir", dir, "-p", "sim", "-n", "8192", "-i", "3")
	assert.Contains(t, out, "3 launches")
	assert.Contains(t, out, ": OK")

	out = execute(t, "cache", "list", "--cache-dir", dir)
	assert.Contains(t, out, "1 entries")
	out = execute(t, "cache", "clear", "--cache-dir", dir)
	assert.Contains(t, out, "removed 1 entries")
}

func TestRunRejectsBadSize(t *testing.T) {
	rootCmd.SetArgs([]string{"run", "--no-cache", "-n", "100", "--block", "64"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	assert.Error(t, rootCmd.Execute())
}

func TestInfo(t *testing.T) {
	out := execute(t, "info", "--no-cache")
	assert.Contains(t, out, "Platform 0: CPU")
	assert.Contains(t, out, "Platform 1: SIM")
	assert.Contains(t, out, "Disk cache: disabled")
}

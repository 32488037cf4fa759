package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the disk cache of compiled binaries",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached binaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := newRuntime()
		c := r.DiskCache()
		if c == nil {
			return errors.New("disk cache is disabled")
		}
		entries, err := c.List()
		if err != nil {
			return err
		}
		var total int64
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(out, "%-32s %10s\n", e.Name, humanize.IBytes(uint64(e.Size)))
			total += e.Size
		}
		fmt.Fprintf(out, "%d entries, %s in %s\n", len(entries), humanize.IBytes(uint64(total)), c.Dir())
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached binary",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := newRuntime()
		c := r.DiskCache()
		if c == nil {
			return errors.New("disk cache is disabled")
		}
		n, err := c.Clear()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries from %s\n", n, c.Dir())
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

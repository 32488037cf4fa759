package main

import (
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List platforms and devices",
	Run: func(cmd *cobra.Command, args []string) {
		r := newRuntime()
		defer r.Close()
		r.DisplayInfo(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antigravity-tools/agproxy/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the proxy service",
	Run: func(cmd *cobra.Command, _ []string) {
		procMgr := process.NewManager(baseDir)
		if err := procMgr.Stop(); err != nil {
			color.Red("Failed to stop the service: %v", err)
			return
		}
		color.Green("Service stopped.")
	},
}

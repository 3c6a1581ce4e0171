package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antigravity-tools/agproxy/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Run: func(cmd *cobra.Command, _ []string) {
		procMgr := process.NewManager(baseDir)
		cfg := cfgMgr.Get()

		fmt.Printf("\n%s status\n", AppName)
		fmt.Println(strings.Repeat("=", 40))
		if procMgr.IsRunning() {
			color.Green("Status: running")
			fmt.Println("PID:", procMgr.ReadPID())
			fmt.Printf("Endpoint: http://%s:%d\n", cfg.Host, cfg.Port)
			fmt.Println("Settings:", cfgMgr.GetPath())
		} else {
			color.Red("Status: not running")
			fmt.Printf("\nTo start: %s start\n", AppName)
		}
	},
}

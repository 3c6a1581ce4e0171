package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antigravity-tools/agproxy/internal/process"
	"github.com/antigravity-tools/agproxy/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy service",
	Long:  `Start the Antigravity proxy service in the foreground.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)
	warnIfStale()

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	procMgr := process.NewManager(baseDir)
	if procMgr.IsRunning() {
		color.Yellow("Service already running (pid %d)", procMgr.ReadPID())
		return nil
	}
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("starting service",
		"host", cfg.Host,
		"port", cfg.Port,
		"settings", cfgMgr.GetPath(),
	)

	srv := server.New(cfgMgr, baseDir, Version, logger)
	return srv.Start()
}

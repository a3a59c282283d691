package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-bridge/internal/process"
	"github.com/Davincible/claude-bridge/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge service",
	Long:  `Start the OpenAI-compatible bridge service in the foreground.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	cfg := cfgMgr.Get()

	color.Green("Starting %s v%s...", AppName, Version)
	log.Info("Starting server",
		"host", cfg.Host,
		"port", cfg.Port,
		"model_aliases", len(cfg.ModelAliases),
	)

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	srv := server.New(cfgMgr, log)
	return srv.Start()
}

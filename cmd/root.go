package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Davincible/claude-bridge/internal/config"
	"github.com/Davincible/claude-bridge/internal/logger"
)

const (
	AppName = "claude-bridge"
	Version = "0.1.0"
)

var (
	log     *slog.Logger
	homeDir string
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	log = logger.New(false)

	var err error
	homeDir, err = os.UserHomeDir()
	if err != nil {
		log.Error("Failed to get home directory", "error", err)
		os.Exit(1)
	}

	baseDir = filepath.Join(homeDir, "."+AppName)
	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:     AppName,
	Short:   "claude-bridge - OpenAI-compatible bridge to the Anthropic API",
	Long:    `A local proxy exposing an OpenAI-style chat completion endpoint backed by the Anthropic Messages API, with tool calling emulated in-band for OAuth credentials.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose bool) {
	log = logger.New(verbose)
}

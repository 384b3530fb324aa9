package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/codefionn/aardvark-hub/internal/config"
	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "aardvark-hub",
	Short: "Coordination hub for aardvark gadgets, renderers and monitors",
	Long: "aardvark-hub routes messages between gadgets, renderers and monitors, " +
		"replicates gadget scene graphs and persists which gadget hangs on which hook.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.GetConfigPath(), "Path to the hub config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error, none)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies environment and flag
// overrides, then initializes the global logger from the result
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configFile, err)
	}
	applyEnv(cfg, os.Getenv)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("configuration loaded from %s: listen_addr=%s, data_dir=%s, log_level=%s",
		configFile, cfg.ListenAddr, cfg.DataDir, cfg.LogLevel)
	return cfg, nil
}

// applyEnv lets the environment override config file values
func applyEnv(cfg *config.Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("AARDVARK_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("AARDVARK_LOG_PATH")); v != "" {
		cfg.LogPath = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		cfg.ListenAddr = ":" + v
	}
}

func closeLogger() {
	if err := logger.Global().Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", err)
	}
}

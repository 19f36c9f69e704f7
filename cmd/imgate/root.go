package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/keepmind9/imgate/internal/config"
	"github.com/keepmind9/imgate/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "imgate",
	Short: "imgate is a gateway between IM platforms and your programs",
	Long: `imgate connects chat platforms (Feishu, Lark, Telegram, Discord, DingTalk)
to a single inbound message stream and routes replies back through the
platform each message came from. Only senders on a channel's allow-list
are let through.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// defaultConfigLocations lists where a config file is looked for when
// --config is not given
func defaultConfigLocations() []string {
	return []string{
		"config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/imgate/config.yaml"),
		"/etc/imgate/config.yaml",
	}
}

// resolveConfigFile returns the explicit path or the first default location that exists
func resolveConfigFile(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, loc := range defaultConfigLocations() {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no configuration file found; pass --config or create one of %v", defaultConfigLocations())
}

// loadRuntime loads the configuration and initializes the global logger
func loadRuntime() (*config.Config, error) {
	path, err := resolveConfigFile(configFile)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := logger.InitLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"config_file": path,
		"log_level":   cfg.Logging.Level,
		"log_file":    cfg.Logging.File,
		"channels":    cfg.Channels.Names(),
	}).Info("configuration-loaded")

	return cfg, nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/keepmind9/imgate/internal/channel"
	"github.com/keepmind9/imgate/internal/config"
	"github.com/spf13/cobra"
)

var (
	validateShow bool
	validateJSON bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Channels []string `json:"channels"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate imgate configuration file",
	Long: `Validate the imgate configuration file without connecting to any platform.

This command checks:
  - YAML syntax and ${ENV} references
  - Required credentials per channel
  - Lark/Feishu receive mode and webhook port
  - Allow-lists that deny or admit everyone

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigFile(configFile)
		if err != nil {
			return err
		}

		cfg, result := validateFile(path)
		out := cmd.OutOrStdout()
		if validateShow && cfg != nil {
			showConfig(out, cfg)
		}
		if err := outputValidationResult(out, result, validateJSON); err != nil {
			return err
		}

		if !result.Valid {
			return fmt.Errorf("configuration %s is invalid", path)
		}
		return nil
	},
}

// validateFile loads path and builds every channel it configures. A nil
// config is returned when loading itself failed.
func validateFile(path string) (*config.Config, ValidationResult) {
	result := ValidationResult{Valid: true, Config: path}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return nil, result
	}
	result.Channels = cfg.Channels.Names()

	if _, err := channel.NewChannelsFromConfig(cfg.Channels); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
	}

	result.Warnings = validateConfigDetails(cfg)
	return cfg, result
}

// validateConfigDetails reports settings that load fine but are probably mistakes
func validateConfigDetails(cfg *config.Config) []string {
	var warnings []string

	for _, name := range cfg.Channels.Names() {
		allowed := cfg.Channels.AllowedUsers(name)
		if len(allowed) == 0 {
			warnings = append(warnings, fmt.Sprintf("Channel '%s' has an empty allowed_users list - every message will be dropped", name))
			continue
		}
		for _, id := range allowed {
			if id == channel.AllowAll {
				warnings = append(warnings, fmt.Sprintf("Channel '%s' allows every sender (\"*\")", name))
				break
			}
		}
	}

	if cfg.Logging.File == "" && cfg.Logging.Level == "debug" {
		warnings = append(warnings, "Debug logging without a log file writes message metadata to stderr")
	}

	return warnings
}

func showConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Channels (%d):\n", cfg.Channels.Count())
	if f := cfg.Channels.Feishu; f != nil {
		fmt.Fprintf(w, "  - feishu: receive_mode=%s%s allowed_users=%d\n", receiveModeOf(f.ReceiveMode), portSuffix(f.Port), len(f.AllowedUsers))
	}
	if l := cfg.Channels.Lark; l != nil {
		fmt.Fprintf(w, "  - lark: receive_mode=%s%s use_feishu=%v allowed_users=%d\n", receiveModeOf(l.ReceiveMode), portSuffix(l.Port), l.UseFeishu, len(l.AllowedUsers))
	}
	if t := cfg.Channels.Telegram; t != nil {
		fmt.Fprintf(w, "  - telegram: allowed_users=%d\n", len(t.AllowedUsers))
	}
	if d := cfg.Channels.Discord; d != nil {
		fmt.Fprintf(w, "  - discord: allowed_users=%d\n", len(d.AllowedUsers))
	}
	if d := cfg.Channels.DingTalk; d != nil {
		fmt.Fprintf(w, "  - dingtalk: allowed_users=%d\n", len(d.AllowedUsers))
	}
	if cfg.Metrics.Listen != "" {
		fmt.Fprintf(w, "Metrics: %s/metrics\n", cfg.Metrics.Listen)
	}
	fmt.Fprintln(w)
}

func receiveModeOf(mode config.LarkReceiveMode) config.LarkReceiveMode {
	if mode == "" {
		return config.DefaultReceiveMode
	}
	return mode
}

func portSuffix(port *int) string {
	if port == nil {
		return ""
	}
	return fmt.Sprintf(" port=%d", *port)
}

func outputValidationResult(w io.Writer, result ValidationResult, jsonFormat bool) error {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal json: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return nil
	}

	if result.Valid {
		fmt.Fprintln(w, "✓ Configuration is valid")
		fmt.Fprintf(w, "  - Config: %s\n", result.Config)
		fmt.Fprintf(w, "  - Channels: %v\n", result.Channels)
	} else {
		fmt.Fprintln(w, "❌ Configuration validation failed:")
		fmt.Fprintln(w, "\nErrors:")
		for _, errMsg := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", errMsg)
		}
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintln(w, "\n⚠️  Warnings:")
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
	return nil
}

func init() {
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show configured channels")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}

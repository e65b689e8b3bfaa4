package logger

import (
	"fmt"

	"github.com/spf13/cobra"
)

// FromFlags builds a logger from the standard CLI logging flags.
func FromFlags(cmd *cobra.Command) (Logger, error) {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	logJSON, err := cmd.Flags().GetBool("log-json")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-json flag: %w", err)
	}
	logSource, err := cmd.Flags().GetBool("log-source")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-source flag: %w", err)
	}
	cfg := DefaultConfig()
	cfg.JSON = logJSON
	cfg.AddSource = logSource
	switch logLevel {
	case "debug":
		cfg.Level = DebugLevel
	case "info":
		cfg.Level = InfoLevel
	case "warn":
		cfg.Level = WarnLevel
	case "error":
		cfg.Level = ErrorLevel
	}
	return NewLogger(cfg), nil
}

// RegisterFlags attaches the standard logging flags to a command.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cmd.PersistentFlags().Bool("log-source", false, "include source locations in logs")
}

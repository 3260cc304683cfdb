// Package cli implements the imcore command surface: running the
// promotion workers, submitting proposals and admin overrides, and
// the read/verification commands over the log and projection.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/provenir/imcore/internal/config"
)

// RootOptions holds global flags and the loaded configuration shared
// by all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Cfg     config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the imcore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "imcore",
		Short: "Versioned instruction-memory knowledge base",
		Long: `imcore promotes proposed knowledge items through a policy gate into
versioned, namespaced state, projects the resulting delta events into a
queryable view, and can replay the delta log from scratch to prove the
projection correct.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.Cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewProposeCommand(opts))
	cmd.AddCommand(NewAdminCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// newLogger builds the slog logger the worker commands use, honoring
// the configured level/format and the --verbose override.
func newLogger(opts *RootOptions) *slog.Logger {
	level := slog.LevelInfo
	switch opts.Cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}

	ho := &slog.HandlerOptions{Level: level}
	if opts.Cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, ho))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, ho))
}

package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/syncreplay/internal/history"
	"github.com/roach88/syncreplay/internal/logging"
	"github.com/roach88/syncreplay/internal/replay"
	"github.com/roach88/syncreplay/internal/store"
)

// RootOptions holds the flags of the root command.
type RootOptions struct {
	RealmPath               string
	InputPath               string
	EncryptionKeyPath       string
	ConfigPath              string
	Verbose                 bool
	Format                  string // "json" | "text"
	AbortOnIntegrationError bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the syncreplay command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncreplay --realm <path> --input <path>",
		Short: "Replay recorded sync messages against a local state database",
		Long: `syncreplay reads a file of recorded sync protocol messages (ident,
download and upload) and replays them against a local state database,
reconstructing the client state the recorded session produced.

Exit codes:
  0 - Replay succeeded (an empty input file counts)
  1 - Parse, decode, apply or integration failure
  2 - Command error (missing arguments, unreadable files, bad config)`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Unrecognized flags in recorded invocations are ignored rather
		// than fatal.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.ValidateRequiredFlags(); err != nil {
				return WrapExitError(ExitCommandError, "missing required flags", err)
			}
			if !isValidFormat(opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, cmd)
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	})

	cmd.Flags().StringVarP(&opts.RealmPath, "realm", "r", "", "path to the state database file (required)")
	_ = cmd.MarkFlagRequired("realm")
	cmd.Flags().StringVarP(&opts.InputPath, "input", "i", "", "path to the recorded message file (required)")
	_ = cmd.MarkFlagRequired("input")
	cmd.Flags().StringVarP(&opts.EncryptionKeyPath, "encryption-key", "e", "", "path to a file containing the 64-byte database encryption key")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "optional YAML config file")
	cmd.Flags().BoolVar(&opts.Verbose, "verbose", false, "print all messages including trace messages to stderr")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.Flags().BoolVar(&opts.AbortOnIntegrationError, "abort-on-integration-error", false, "treat integration errors as fatal")

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func runApply(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	var cfg Config
	if opts.ConfigPath != "" {
		loaded, err := LoadConfig(opts.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = *loaded
	}

	logger := buildLogger(opts, cfg, cmd)

	var key []byte
	if opts.EncryptionKeyPath != "" {
		var err error
		key, err = LoadEncryptionKey(opts.EncryptionKeyPath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load encryption key")
			return WrapExitError(ExitCommandError, "failed to load encryption key", err)
		}
	}

	input, err := LoadMessageFile(opts.InputPath)
	if err != nil {
		logger.Error().Err(err).Msg("missing path to messages to apply to realm")
		return WrapExitError(ExitCommandError, "failed to load input file", err)
	}

	st, err := store.Open(opts.RealmPath, store.Options{EncryptionKey: key})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open state database")
		return WrapExitError(ExitCommandError, "failed to open state database", err)
	}
	defer st.Close()

	hist := history.NewClientHistory(st)

	runID, err := st.BeginReplayRun(ctx, opts.InputPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to record replay run", err)
	}

	replayOpts := replay.Options{
		AbortOnIntegrationError: opts.AbortOnIntegrationError || cfg.AbortOnIntegrationError,
	}
	stats, replayErr := replay.Replay(ctx, input, st, hist, logger.Logger, replayOpts)

	outcome := store.RunOutcomeOK
	if replayErr != nil {
		outcome = store.RunOutcomeFailed
	}
	if err := st.FinishReplayRun(ctx, runID, outcome); err != nil {
		logger.Error().Err(err).Msg("failed to record replay outcome")
	}

	if replayErr != nil {
		if opts.Format == "json" {
			_ = writeJSON(cmd.OutOrStdout(), CLIResponse{
				Status: "error",
				Data:   stats,
				Error:  &CLIError{Code: "E_REPLAY", Message: replayErr.Error()},
			})
		}
		return WrapExitError(ExitFailure, "replay failed", replayErr)
	}

	return outputStats(cmd, opts, stats)
}

// buildLogger picks the threshold from --verbose, then the config file,
// then the error-only default, and writes to stderr like the recorded
// tool's logger did.
func buildLogger(opts *RootOptions, cfg Config, cmd *cobra.Command) *logging.Logger {
	if opts.Verbose {
		return logging.New(cmd.ErrOrStderr(), true)
	}
	if cfg.LogLevel != "" {
		if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
			return logging.NewWithLevel(cmd.ErrOrStderr(), level)
		}
	}
	return logging.NewWithLevel(cmd.ErrOrStderr(), zerolog.ErrorLevel)
}

func outputStats(cmd *cobra.Command, opts *RootOptions, stats replay.Stats) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: stats})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Replayed %d message(s)\n", stats.Messages)
	fmt.Fprintf(w, "  Idents:    %d\n", stats.Idents)
	fmt.Fprintf(w, "  Downloads: %d (%d server changeset(s), %d integration error(s))\n",
		stats.Downloads, stats.ServerChangesets, stats.IntegrationErrors)
	fmt.Fprintf(w, "  Uploads:   %d (%d local changeset(s))\n", stats.Uploads, stats.LocalChangesets)
	for _, v := range stats.CommittedVersions {
		fmt.Fprintf(w, "  Committed version %d\n", v)
	}
	return nil
}

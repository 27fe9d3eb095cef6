// Package replay drives parsed sync messages into the state store: ident
// messages set the client file ident, download messages feed the history
// integrator, upload messages are applied changeset by changeset in their
// own write transactions.
package replay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/roach88/syncreplay/internal/changeset"
	"github.com/roach88/syncreplay/internal/history"
	"github.com/roach88/syncreplay/internal/protocol"
	"github.com/roach88/syncreplay/internal/store"
)

// Options configures the driver.
type Options struct {
	// AbortOnIntegrationError makes integration errors fatal. The recorded
	// sessions were produced by a client that pressed on, so the default is
	// to log and continue.
	AbortOnIntegrationError bool
}

// Stats summarizes one replay for reporting.
type Stats struct {
	Messages          int     `json:"messages"`
	Idents            int     `json:"idents"`
	Downloads         int     `json:"downloads"`
	Uploads           int     `json:"uploads"`
	ServerChangesets  int     `json:"server_changesets"`
	LocalChangesets   int     `json:"local_changesets"`
	CommittedVersions []int64 `json:"committed_versions,omitempty"`
	IntegrationErrors int     `json:"integration_errors"`
}

// Replay parses every message in input and applies it in order. The input
// buffer must stay alive and unmodified for the duration of the call;
// uncompressed message bodies alias it.
func Replay(ctx context.Context, input []byte, st *store.Store, hist *history.ClientHistory, logger zerolog.Logger, opts Options) (Stats, error) {
	var stats Stats

	cursor := input
	for len(cursor) > 0 {
		msg, rest, err := protocol.ParseMessage(cursor, logger)
		if err != nil {
			logger.Error().Err(err).Msg("could not find message in input file")
			return stats, err
		}
		cursor = rest
		stats.Messages++

		switch m := msg.(type) {
		case protocol.ServerIdentMessage:
			stats.Idents++
			if err := hist.SetClientFileIdent(ctx, m.FileIdent, true); err != nil {
				return stats, err
			}

		case protocol.DownloadMessage:
			stats.Downloads++
			stats.ServerChangesets += len(m.Changesets)
			downloadableBytes := m.DownloadableBytes
			versionInfo, integrationErr, err := hist.IntegrateServerChangesets(
				ctx, m.Progress, &downloadableBytes, m.Changesets, logger)
			if err != nil {
				return stats, err
			}
			if integrationErr != nil {
				stats.IntegrationErrors++
				logger.Error().Err(integrationErr).Msg("integration error")
				if opts.AbortOnIntegrationError {
					return stats, integrationErr
				}
				continue
			}
			logger.Debug().
				Int64("version", versionInfo.RealmVersion).
				Uint64("client_version", versionInfo.ClientVersion).
				Msg("integrated server changesets")

		case protocol.UploadMessage:
			stats.Uploads++
			stats.LocalChangesets += len(m.Changesets)
			for _, cs := range m.Changesets {
				version, err := applyLocalChangeset(ctx, st, cs, logger)
				if err != nil {
					return stats, err
				}
				stats.CommittedVersions = append(stats.CommittedVersions, version)
			}

		default:
			return stats, fmt.Errorf("unhandled message type %T", msg)
		}
	}

	return stats, nil
}

// applyLocalChangeset applies one upload changeset in its own write
// transaction, preserving per-changeset version numbering.
func applyLocalChangeset(ctx context.Context, st *store.Store, cs *changeset.Changeset, logger zerolog.Logger) (int64, error) {
	tx, err := st.StartWrite(ctx)
	if err != nil {
		return 0, err
	}

	applier := changeset.NewApplier(tx)
	if err := applier.Apply(ctx, cs, logger); err != nil {
		tx.Rollback()
		return 0, &store.TransactionError{Op: "apply", Err: err}
	}

	version, err := tx.Commit(ctx)
	if err != nil {
		return 0, err
	}
	logger.Debug().Int64("version", version).Msg("integrated local changesets as version")
	return version, nil
}

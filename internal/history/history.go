// Package history maintains the client's view of server sync history: the
// salted client file ident, the download/upload cursors, and the log of
// integrated server changesets.
package history

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/roach88/syncreplay/internal/protocol"
	"github.com/roach88/syncreplay/internal/store"
)

// VersionInfo describes the state produced by one integration.
type VersionInfo struct {
	// RealmVersion is the state version the integrating transaction
	// committed at.
	RealmVersion int64
	// ClientVersion is the client version the progress cursors reached.
	ClientVersion uint64
}

// IntegrationError reports a server changeset batch the history refused:
// cursors that regress or server versions that do not advance. It is
// surfaced to the caller separately from transport/storage errors because
// the replay treats it as recoverable.
type IntegrationError struct {
	Reason        string
	RemoteVersion uint64
}

func (e *IntegrationError) Error() string {
	if e.RemoteVersion != 0 {
		return fmt.Sprintf("integrating server changeset %d: %s", e.RemoteVersion, e.Reason)
	}
	return fmt.Sprintf("integrating server changesets: %s", e.Reason)
}

// ClientHistory is the history facade bound to one state store.
type ClientHistory struct {
	store *store.Store
}

// NewClientHistory binds a history to the store.
func NewClientHistory(st *store.Store) *ClientHistory {
	return &ClientHistory{store: st}
}

// SetClientFileIdent records the salted file ident the server assigned this
// client. Re-identifying with a different ident is an error; repeating the
// same ident is a no-op. fixUpObjectIDs is accepted for parity with the
// recorded sessions; the generic state tables key objects by stable ids, so
// there is nothing to rewrite.
func (h *ClientHistory) SetClientFileIdent(ctx context.Context, ident protocol.SaltedFileIdent, fixUpObjectIDs bool) error {
	tx, err := h.store.StartWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curIdent uint64
	var curSalt int64
	err = tx.QueryRowContext(ctx, `
		SELECT client_file_ident, client_file_ident_salt FROM sync_progress WHERE id = 1
	`).Scan(&curIdent, &curSalt)
	if err != nil {
		return fmt.Errorf("read client file ident: %w", err)
	}
	if curIdent != 0 && (curIdent != ident.Ident || curSalt != ident.Salt) {
		return fmt.Errorf("client file ident already set to %d (salt %d), refusing %d (salt %d)",
			curIdent, curSalt, ident.Ident, ident.Salt)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_progress SET client_file_ident = ?, client_file_ident_salt = ? WHERE id = 1
	`, ident.Ident, ident.Salt)
	if err != nil {
		return fmt.Errorf("set client file ident: %w", err)
	}

	_, err = tx.Commit(ctx)
	return err
}

// ClientFileIdent returns the recorded salted file ident, zero if unset.
func (h *ClientHistory) ClientFileIdent(ctx context.Context) (protocol.SaltedFileIdent, error) {
	var ident protocol.SaltedFileIdent
	err := h.store.DB().QueryRowContext(ctx, `
		SELECT client_file_ident, client_file_ident_salt FROM sync_progress WHERE id = 1
	`).Scan(&ident.Ident, &ident.Salt)
	if err != nil {
		return protocol.SaltedFileIdent{}, fmt.Errorf("read client file ident: %w", err)
	}
	return ident, nil
}

// IntegrateServerChangesets merges one download message's changesets into
// the history in a single transaction.
//
// A batch the history refuses (non-monotonic server version, regressing
// cursors, duplicate remote version) comes back as a non-nil
// *IntegrationError with a nil error; the transaction is rolled back and
// the store is untouched. Storage failures come back as the error return.
func (h *ClientHistory) IntegrateServerChangesets(ctx context.Context, progress protocol.SyncProgress, downloadableBytes *uint64, changesets []protocol.RemoteChangeset, logger zerolog.Logger) (VersionInfo, *IntegrationError, error) {
	tx, err := h.store.StartWrite(ctx)
	if err != nil {
		return VersionInfo{}, nil, err
	}
	defer tx.Rollback()

	var cur struct {
		serverVersion uint64
		clientVersion uint64
	}
	err = tx.QueryRowContext(ctx, `
		SELECT server_version, last_integrated_client_version FROM sync_progress WHERE id = 1
	`).Scan(&cur.serverVersion, &cur.clientVersion)
	if err != nil {
		return VersionInfo{}, nil, fmt.Errorf("read sync progress: %w", err)
	}

	if progress.Download.ServerVersion < cur.serverVersion {
		return VersionInfo{}, &IntegrationError{
			Reason: fmt.Sprintf("download cursor regresses from server version %d to %d",
				cur.serverVersion, progress.Download.ServerVersion),
		}, nil
	}
	if progress.Download.LastIntegratedClientVersion < cur.clientVersion {
		return VersionInfo{}, &IntegrationError{
			Reason: fmt.Sprintf("download cursor regresses from client version %d to %d",
				cur.clientVersion, progress.Download.LastIntegratedClientVersion),
		}, nil
	}

	lastRemote := cur.serverVersion
	for _, cs := range changesets {
		if cs.RemoteVersion <= lastRemote {
			return VersionInfo{}, &IntegrationError{
				Reason:        fmt.Sprintf("server version does not advance past %d", lastRemote),
				RemoteVersion: cs.RemoteVersion,
			}, nil
		}
		lastRemote = cs.RemoteVersion

		data, err := h.store.EncryptPayload(cs.Data)
		if err != nil {
			return VersionInfo{}, nil, fmt.Errorf("seal changeset payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO server_changesets
			(remote_version, last_integrated_local_version, origin_timestamp,
			 origin_file_ident, original_size, data)
			VALUES (?, ?, ?, ?, ?, ?)
		`, cs.RemoteVersion, cs.LastIntegratedLocalVersion, cs.OriginTimestamp,
			cs.OriginFileIdent, cs.OriginalChangesetSize, data)
		if err != nil {
			return VersionInfo{}, nil, fmt.Errorf("store server changeset %d: %w", cs.RemoteVersion, err)
		}

		logger.Trace().
			Uint64("remote_version", cs.RemoteVersion).
			Uint64("origin_file_ident", cs.OriginFileIdent).
			Int("size", len(cs.Data)).
			Msg("integrated server changeset")
	}

	var bytes uint64
	if downloadableBytes != nil {
		bytes = *downloadableBytes
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_progress SET
			server_version = ?,
			last_integrated_client_version = ?,
			upload_client_version = ?,
			upload_last_integrated_server_version = ?,
			downloadable_bytes = ?
		WHERE id = 1
	`, progress.Download.ServerVersion, progress.Download.LastIntegratedClientVersion,
		progress.Upload.ClientVersion, progress.Upload.LastIntegratedServerVersion, bytes)
	if err != nil {
		return VersionInfo{}, nil, fmt.Errorf("update sync progress: %w", err)
	}

	version, err := tx.Commit(ctx)
	if err != nil {
		return VersionInfo{}, nil, err
	}

	return VersionInfo{
		RealmVersion:  version,
		ClientVersion: progress.Download.LastIntegratedClientVersion,
	}, nil, nil
}

// Progress returns the persisted cursors.
func (h *ClientHistory) Progress(ctx context.Context) (protocol.SyncProgress, error) {
	var p protocol.SyncProgress
	err := h.store.DB().QueryRowContext(ctx, `
		SELECT server_version, last_integrated_client_version,
		       upload_client_version, upload_last_integrated_server_version
		FROM sync_progress WHERE id = 1
	`).Scan(&p.Download.ServerVersion, &p.Download.LastIntegratedClientVersion,
		&p.Upload.ClientVersion, &p.Upload.LastIntegratedServerVersion)
	if err != nil {
		return protocol.SyncProgress{}, fmt.Errorf("read sync progress: %w", err)
	}
	return p, nil
}

// ServerChangesetCount returns how many server changesets are stored.
func (h *ClientHistory) ServerChangesetCount(ctx context.Context) (int, error) {
	var n int
	err := h.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM server_changesets`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count server changesets: %w", err)
	}
	return n, nil
}

package protocol

// SessionIdent identifies a sync session. The replay treats it as an
// opaque tag carried through from the recorded messages.
type SessionIdent uint64

// SaltedFileIdent identifies a client file across sync. The salt detects
// forks across client reinitializations.
type SaltedFileIdent struct {
	Ident uint64
	Salt  int64
}

// SaltedVersion identifies a server state snapshot.
type SaltedVersion struct {
	Version uint64
	Salt    int64
}

// DownloadCursor marks how far the client has integrated server history.
type DownloadCursor struct {
	ServerVersion               uint64
	LastIntegratedClientVersion uint64
}

// UploadCursor marks how far the server has integrated client history.
type UploadCursor struct {
	ClientVersion               uint64
	LastIntegratedServerVersion uint64
}

// SyncProgress pairs the two cursors exchanged to resume synchronization.
type SyncProgress struct {
	Download DownloadCursor
	Upload   UploadCursor
}

// RemoteChangeset is one server-originated changeset carried by a download
// message. Data is a view into the owning message's body buffer and must
// not be retained after the message is discarded.
type RemoteChangeset struct {
	RemoteVersion              uint64
	LastIntegratedLocalVersion uint64
	OriginTimestamp            uint64
	OriginFileIdent            uint64
	OriginalChangesetSize      uint64
	Data                       []byte
}

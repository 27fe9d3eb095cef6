package protocol

import (
	"github.com/rs/zerolog"

	"github.com/roach88/syncreplay/internal/changeset"
)

// Message is one parsed sync-protocol message: ident, download or upload.
type Message interface {
	isMessage()
}

// ServerIdentMessage assigns the client its salted file ident.
type ServerIdentMessage struct {
	SessionIdent SessionIdent
	FileIdent    SaltedFileIdent
}

// DownloadMessage carries server-originated changesets plus the progress
// cursors observed when the message was recorded. Changeset Data slices
// alias BodyOwner (compressed path) or the original input (uncompressed
// path) and are only valid while the message is held.
type DownloadMessage struct {
	SessionIdent        SessionIdent
	Progress            SyncProgress
	LatestServerVersion SaltedVersion
	DownloadableBytes   uint64

	Changesets []RemoteChangeset
	BodyOwner  []byte
}

// UploadMessage carries client-originated changesets, decoded eagerly.
type UploadMessage struct {
	SessionIdent        SessionIdent
	UploadProgress      UploadCursor
	LockedServerVersion uint64

	Changesets []*changeset.Changeset
	BodyOwner  []byte
}

func (ServerIdentMessage) isMessage() {}
func (DownloadMessage) isMessage()    {}
func (UploadMessage) isMessage()      {}

// ParseMessage parses one message from the front of buf and returns it with
// the remaining input.
func ParseMessage(buf []byte, logger zerolog.Logger) (Message, []byte, error) {
	var messageType string
	buf, ok := ParseHeaderLine(buf, ' ', Str(&messageType))
	if !ok {
		return nil, nil, parseErrorf("message", "missing message type token")
	}

	switch messageType {
	case "download":
		return parseDownloadMessage(buf, logger)
	case "upload":
		return parseUploadMessage(buf, logger)
	case "ident":
		return parseServerIdentMessage(buf)
	}
	return nil, nil, parseErrorf("message", "unknown message type %q", messageType)
}

func parseServerIdentMessage(buf []byte) (Message, []byte, error) {
	var ret ServerIdentMessage
	buf, ok := ParseHeaderLine(buf, '\n',
		U64((*uint64)(&ret.SessionIdent)),
		U64(&ret.FileIdent.Ident),
		I64(&ret.FileIdent.Salt))
	if !ok {
		return nil, nil, parseErrorf("ident message", "malformed header line")
	}
	return ret, buf, nil
}

func parseDownloadMessage(buf []byte, logger zerolog.Logger) (Message, []byte, error) {
	var ret DownloadMessage
	var isBodyCompressed int64
	var uncompressedBodySize, compressedBodySize uint64

	buf, ok := ParseHeaderLine(buf, '\n',
		U64((*uint64)(&ret.SessionIdent)),
		U64(&ret.Progress.Download.ServerVersion),
		U64(&ret.Progress.Download.LastIntegratedClientVersion),
		U64(&ret.LatestServerVersion.Version),
		I64(&ret.LatestServerVersion.Salt),
		U64(&ret.Progress.Upload.ClientVersion),
		U64(&ret.Progress.Upload.LastIntegratedServerVersion),
		U64(&ret.DownloadableBytes),
		I64(&isBodyCompressed),
		U64(&uncompressedBodySize),
		U64(&compressedBodySize))
	if !ok {
		logger.Error().Msg("error parsing header line for download message")
		return nil, nil, parseErrorf("download message", "malformed header line")
	}

	body, err := parseMessageBody(buf, compressedBodySize, uncompressedBodySize, isBodyCompressed != 0, logger)
	if err != nil {
		return nil, nil, err
	}
	ret.BodyOwner = body.owned
	buf = body.remaining
	bodyView := body.view

	logger.Trace().
		Uint64("download_server_version", ret.Progress.Download.ServerVersion).
		Uint64("download_client_version", ret.Progress.Download.LastIntegratedClientVersion).
		Uint64("upload_server_version", ret.Progress.Upload.LastIntegratedServerVersion).
		Uint64("upload_client_version", ret.Progress.Upload.ClientVersion).
		Uint64("latest_server_version", ret.LatestServerVersion.Version).
		Msg("decoding download message")

	for len(bodyView) > 0 {
		var cur RemoteChangeset
		var changesetSize uint64
		bodyView, ok = ParseHeaderLine(bodyView, '\n',
			U64(&cur.RemoteVersion),
			U64(&cur.LastIntegratedLocalVersion),
			U64(&cur.OriginTimestamp),
			U64(&cur.OriginFileIdent),
			U64(&cur.OriginalChangesetSize),
			U64(&changesetSize))
		if !ok || changesetSize > uint64(len(bodyView)) {
			logger.Error().
				Uint64("changeset_size", changesetSize).
				Int("buffer_size", len(bodyView)).
				Msg("changeset length exceeds buffer size")
			return nil, nil, parseErrorf("download changeset", "changeset length is %d but buffer size is %d", changesetSize, len(bodyView))
		}

		// Decode for trace visibility. Integration stores the raw payload
		// without decoding it, so a payload the decoder rejects fails the
		// parse here.
		var parsed changeset.Changeset
		if err := changeset.Parse(bodyView[:changesetSize], &parsed); err != nil {
			logger.Error().Err(err).Uint64("remote_version", cur.RemoteVersion).Msg("error decoding download changeset")
			return nil, nil, err
		}
		logger.Trace().
			Uint64("server_version", cur.RemoteVersion).
			Uint64("client_version", cur.LastIntegratedLocalVersion).
			Uint64("origin_file_ident", cur.OriginFileIdent).
			Int("instructions", len(parsed.Instructions)).
			Msg("found download changeset")

		cur.Data = bodyView[:changesetSize]
		ret.Changesets = append(ret.Changesets, cur)
		bodyView = bodyView[changesetSize:]
	}

	return ret, buf, nil
}

func parseUploadMessage(buf []byte, logger zerolog.Logger) (Message, []byte, error) {
	var ret UploadMessage
	var isBodyCompressed int64
	var uncompressedBodySize, compressedBodySize uint64

	buf, ok := ParseHeaderLine(buf, '\n',
		U64((*uint64)(&ret.SessionIdent)),
		I64(&isBodyCompressed),
		U64(&uncompressedBodySize),
		U64(&compressedBodySize),
		U64(&ret.UploadProgress.ClientVersion),
		U64(&ret.UploadProgress.LastIntegratedServerVersion),
		U64(&ret.LockedServerVersion))
	if !ok {
		return nil, nil, parseErrorf("upload message", "malformed header line")
	}

	body, err := parseMessageBody(buf, compressedBodySize, uncompressedBodySize, isBodyCompressed != 0, logger)
	if err != nil {
		return nil, nil, err
	}
	ret.BodyOwner = body.owned
	buf = body.remaining
	bodyView := body.view

	for len(bodyView) > 0 {
		cur := &changeset.Changeset{}
		var changesetSize uint64
		bodyView, ok = ParseHeaderLine(bodyView, '\n',
			U64(&cur.Version),
			U64(&cur.LastIntegratedRemoteVersion),
			U64(&cur.OriginTimestamp),
			U64(&cur.OriginFileIdent),
			U64(&changesetSize))
		if !ok || changesetSize > uint64(len(bodyView)) {
			logger.Error().
				Uint64("changeset_size", changesetSize).
				Int("buffer_size", len(bodyView)).
				Msg("changeset length exceeds buffer size")
			return nil, nil, parseErrorf("upload changeset", "changeset length is %d but buffer size is %d", changesetSize, len(bodyView))
		}

		logger.Trace().
			Uint64("last_integrated_remote_version", cur.LastIntegratedRemoteVersion).
			Uint64("client_version", cur.Version).
			Uint64("origin_timestamp", cur.OriginTimestamp).
			Uint64("origin_file_ident", cur.OriginFileIdent).
			Uint64("changeset_size", changesetSize).
			Msg("found upload changeset")

		if err := changeset.Parse(bodyView[:changesetSize], cur); err != nil {
			logger.Error().Err(err).Uint64("client_version", cur.Version).Msg("error decoding upload changeset")
			return nil, nil, err
		}
		logger.Trace().Int("instructions", len(cur.Instructions)).Msg("decoded upload changeset")

		ret.Changesets = append(ret.Changesets, cur)
		bodyView = bodyView[changesetSize:]
	}

	return ret, buf, nil
}

package protocol

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// Test-side encoders. The tool never encodes messages; these exist so the
// parser tests can state the round-trip law and build inputs from field
// values instead of hand-counted byte strings.

func encodeIdentMessage(session SessionIdent, ident SaltedFileIdent) []byte {
	return fmt.Appendf(nil, "ident %d %d %d\n", session, ident.Ident, ident.Salt)
}

type downloadChangeset struct {
	header  RemoteChangeset
	payload []byte
}

func encodeDownloadBody(changesets []downloadChangeset) []byte {
	var body bytes.Buffer
	for _, cs := range changesets {
		fmt.Fprintf(&body, "%d %d %d %d %d %d\n",
			cs.header.RemoteVersion, cs.header.LastIntegratedLocalVersion,
			cs.header.OriginTimestamp, cs.header.OriginFileIdent,
			cs.header.OriginalChangesetSize, len(cs.payload))
		body.Write(cs.payload)
	}
	return body.Bytes()
}

func encodeDownloadMessage(t *testing.T, m DownloadMessage, changesets []downloadChangeset, compress bool) []byte {
	t.Helper()

	body := encodeDownloadBody(changesets)
	wire, compressedSize := maybeCompress(t, body, compress)

	header := fmt.Appendf(nil, "download %d %d %d %d %d %d %d %d %d %d %d\n",
		m.SessionIdent,
		m.Progress.Download.ServerVersion, m.Progress.Download.LastIntegratedClientVersion,
		m.LatestServerVersion.Version, m.LatestServerVersion.Salt,
		m.Progress.Upload.ClientVersion, m.Progress.Upload.LastIntegratedServerVersion,
		m.DownloadableBytes,
		boolInt(compress), len(body), compressedSize)
	return append(header, wire...)
}

type uploadChangeset struct {
	version                     uint64
	lastIntegratedRemoteVersion uint64
	originTimestamp             uint64
	originFileIdent             uint64
	payload                     []byte
}

func encodeUploadMessage(t *testing.T, session SessionIdent, progress UploadCursor, lockedServerVersion uint64, changesets []uploadChangeset, compress bool) []byte {
	t.Helper()

	var body bytes.Buffer
	for _, cs := range changesets {
		fmt.Fprintf(&body, "%d %d %d %d %d\n",
			cs.version, cs.lastIntegratedRemoteVersion,
			cs.originTimestamp, cs.originFileIdent, len(cs.payload))
		body.Write(cs.payload)
	}
	wire, compressedSize := maybeCompress(t, body.Bytes(), compress)

	header := fmt.Appendf(nil, "upload %d %d %d %d %d %d %d\n",
		session, boolInt(compress), body.Len(), compressedSize,
		progress.ClientVersion, progress.LastIntegratedServerVersion,
		lockedServerVersion)
	return append(header, wire...)
}

func maybeCompress(t *testing.T, body []byte, compress bool) (wire []byte, compressedSize int) {
	t.Helper()
	if !compress {
		return body, 0
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		t.Fatalf("compress body: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}
	return buf.Bytes(), buf.Len()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

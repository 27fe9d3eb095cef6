package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncreplay/internal/changeset"
	"github.com/roach88/syncreplay/internal/history"
	"github.com/roach88/syncreplay/internal/store"
)

func openFixtures(t *testing.T) (*store.Store, *history.ClientHistory) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, history.NewClientHistory(st)
}

// Wire builders. Instruction payloads are small enough that uvarint
// lengths fit in one byte.

func addTablePayload(table string) []byte {
	payload := []byte{byte(changeset.OpAddTable), byte(len(table))}
	return append(payload, table...)
}

func createObjectPayload(table string, id byte) []byte {
	payload := []byte{byte(changeset.OpCreateObject), byte(len(table))}
	payload = append(payload, table...)
	return append(payload, id)
}

func uploadRecord(version, lastIntegrated uint64, payload []byte) []byte {
	header := fmt.Appendf(nil, "%d %d 1700000000 7 %d\n", version, lastIntegrated, len(payload))
	return append(header, payload...)
}

func uploadMessage(body []byte, clientVersion uint64) []byte {
	header := fmt.Appendf(nil, "upload 1 0 %d 0 %d 0 0\n", len(body), clientVersion)
	return append(header, body...)
}

func downloadRecord(remoteVersion uint64, payload []byte) []byte {
	header := fmt.Appendf(nil, "%d 0 1700000000 2 %d %d\n", remoteVersion, len(payload), len(payload))
	return append(header, payload...)
}

func downloadMessage(serverVersion uint64, body []byte) []byte {
	header := fmt.Appendf(nil, "download 1 %d 0 %d 0 0 0 0 0 %d 0\n", serverVersion, serverVersion, len(body))
	return append(header, body...)
}

func TestReplay_EmptyInput(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	stats, err := Replay(ctx, nil, st, hist, zerolog.Nop(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	version, err := st.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version, "empty input must not touch the database")
}

func TestReplay_IdentOnly(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	stats, err := Replay(ctx, []byte("ident 42 7 1234567890\n"), st, hist, zerolog.Nop(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Messages)
	assert.Equal(t, 1, stats.Idents)
	assert.Empty(t, stats.CommittedVersions, "ident must not count as an upload commit")

	ident, err := hist.ClientFileIdent(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, ident.Ident)
	assert.EqualValues(t, 1234567890, ident.Salt)
}

func TestReplay_DownloadZeroChangesets(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	stats, err := Replay(ctx, []byte("download 1 10 5 20 0 0 0 0 0 0 0\n"), st, hist, zerolog.Nop(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloads)
	assert.Zero(t, stats.ServerChangesets)

	progress, err := hist.Progress(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, progress.Download.ServerVersion)
	assert.EqualValues(t, 5, progress.Download.LastIntegratedClientVersion)
}

func TestReplay_UploadCommitsPerChangesetInOrder(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	body := append(
		uploadRecord(1, 0, addTablePayload("notes")),
		uploadRecord(2, 0, createObjectPayload("notes", 1))...)
	input := uploadMessage(body, 2)

	stats, err := Replay(ctx, input, st, hist, zerolog.Nop(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploads)
	assert.Equal(t, 2, stats.LocalChangesets)
	assert.Equal(t, []int64{1, 2}, stats.CommittedVersions)

	var n int
	require.NoError(t, st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestReplay_CompressedDownload(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	body := downloadRecord(3, addTablePayload("remote"))
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	header := fmt.Appendf(nil, "download 1 3 0 3 0 0 0 0 1 %d %d\n", len(body), compressed.Len())
	input := append(header, compressed.Bytes()...)

	stats, err := Replay(ctx, input, st, hist, zerolog.Nop(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ServerChangesets)

	n, err := hist.ServerChangesetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplay_MalformedInputLeavesStateUntouched(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	_, err := Replay(ctx, []byte("download 1 x 5\n"), st, hist, zerolog.Nop(), Options{})
	require.Error(t, err)

	version, err := st.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestReplay_StopsAtFirstBadMessage(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	input := append([]byte("ident 1 2 3\n"), []byte("bogus 1 2 3\n")...)
	stats, err := Replay(ctx, input, st, hist, zerolog.Nop(), Options{})
	require.Error(t, err)
	assert.Equal(t, 1, stats.Messages, "the ident before the bad message is applied")

	ident, identErr := hist.ClientFileIdent(ctx)
	require.NoError(t, identErr)
	assert.EqualValues(t, 2, ident.Ident)
}

func TestReplay_IntegrationErrorIsNonFatal(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	// Second download regresses the cursor; third is fine again.
	input := append(downloadMessage(10, nil), downloadMessage(4, nil)...)
	input = append(input, downloadMessage(12, nil)...)

	stats, err := Replay(ctx, input, st, hist, zerolog.Nop(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Downloads)
	assert.Equal(t, 1, stats.IntegrationErrors)

	progress, err := hist.Progress(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 12, progress.Download.ServerVersion)
}

func TestReplay_IntegrationErrorAbortsWhenConfigured(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	input := append(downloadMessage(10, nil), downloadMessage(4, nil)...)
	stats, err := Replay(ctx, input, st, hist, zerolog.Nop(), Options{AbortOnIntegrationError: true})
	require.Error(t, err)

	var integrationErr *history.IntegrationError
	require.ErrorAs(t, err, &integrationErr)
	assert.Equal(t, 1, stats.IntegrationErrors)
}

func TestReplay_ApplyFailureRollsBack(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	// CreateObject without its table: the applier must fail and the replay
	// must not commit the transaction.
	input := uploadMessage(uploadRecord(1, 0, createObjectPayload("missing", 1)), 1)
	_, err := Replay(ctx, input, st, hist, zerolog.Nop(), Options{})
	require.Error(t, err)

	var txErr *store.TransactionError
	require.ErrorAs(t, err, &txErr)

	version, err := st.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestReplay_SummaryGolden(t *testing.T) {
	st, hist := openFixtures(t)
	ctx := context.Background()

	input := []byte("ident 1 7 99\n")
	input = append(input, downloadMessage(5, downloadRecord(5, addTablePayload("remote")))...)
	body := append(
		uploadRecord(1, 5, addTablePayload("notes")),
		uploadRecord(2, 5, createObjectPayload("notes", 1))...)
	input = append(input, uploadMessage(body, 2)...)

	stats, err := Replay(ctx, input, st, hist, zerolog.Nop(), Options{})
	require.NoError(t, err)

	data, err := json.MarshalIndent(stats, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "replay_summary", data)
}

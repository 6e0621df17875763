package journal

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

var testNsInfo = protocol.NamespaceInfo{
	NamespaceID:   12345,
	ClusterID:     "test-cluster",
	BlockPoolID:   "BP-1",
	CreationTime:  100,
	LayoutVersion: protocol.JournalLayoutVersion,
}

type testHarness struct {
	j      *Journal
	dir    string
	serial uint64
}

func newTestJournal(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(Options{Dir: dir, JournalID: "test-journal", HTTPPort: 8480})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return &testHarness{j: j, dir: dir}
}

func (h *testHarness) req(epoch uint64) protocol.RequestInfo {
	h.serial++
	return protocol.RequestInfo{
		JournalID: "test-journal",
		NsInfo:    testNsInfo,
		Epoch:     epoch,
		IPCSerial: h.serial,
	}
}

// makeRecords frames consecutive transactions starting at firstTxID.
func makeRecords(firstTxID uint64, payloads ...string) []byte {
	var buf []byte
	for i, p := range payloads {
		buf = protocol.AppendRecord(buf, firstTxID+uint64(i), []byte(p))
	}
	return buf
}

func requireKind(t *testing.T, kind protocol.ErrorKind, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, Kind(err))
}

// Ensure a formatted journal accepts an epoch, a segment, and an edit batch,
// and that the edit lands in the in-progress file.
func TestJournalBaselineWrite(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	require.NoError(t, h.j.Journal(h.req(1), 1, 1, makeRecords(1, "hello")))

	data, err := os.ReadFile(filepath.Join(h.dir, "current", protocol.InProgressFileName(1)))
	require.NoError(t, err)
	require.True(t, bytes.Contains(data, []byte("hello")))

	// Next expected txid is now 2.
	requireKind(t, protocol.ErrorOutOfSync, h.j.Journal(h.req(1), 3, 1, makeRecords(3, "skip")))
	require.NoError(t, h.j.Journal(h.req(1), 2, 1, makeRecords(2, "world")))
	require.Equal(t, uint64(2), h.j.HighestWrittenTxID())
}

// Ensure all mutating operations fail before format.
func TestJournalNotFormatted(t *testing.T) {
	h := newTestJournal(t)

	_, err := h.j.GetJournalState()
	requireKind(t, protocol.ErrorNotFormatted, err)
	_, err = h.j.NewEpoch(testNsInfo, 1)
	requireKind(t, protocol.ErrorNotFormatted, err)
	requireKind(t, protocol.ErrorNotFormatted, h.j.StartLogSegment(h.req(1), 1))
}

// Ensure newEpoch rejects a namespace that does not match the formatted one.
func TestJournalNamespaceMismatch(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	other := testNsInfo
	other.ClusterID = "other-cluster"
	_, err := h.j.NewEpoch(other, 1)
	requireKind(t, protocol.ErrorNamespaceMismatch, err)

	req := h.req(1)
	req.NsInfo = other
	requireKind(t, protocol.ErrorNamespaceMismatch, h.j.StartLogSegment(req, 1))
}

// Ensure the segment started under an old epoch is visible to a new epoch,
// and that finalizing it requires the writer epoch to match.
func TestJournalSegmentVisibleAcrossEpochs(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	require.NoError(t, h.j.Journal(h.req(1), 1, 1, makeRecords(1, "a")))
	require.NoError(t, h.j.Journal(h.req(1), 2, 1, makeRecords(2, "b")))

	resp, err := h.j.NewEpoch(testNsInfo, 2)
	require.NoError(t, err)
	require.NotNil(t, resp.LastSegmentTxID)
	require.Equal(t, uint64(1), *resp.LastSegmentTxID)

	// The writer epoch is still 1, so a direct finalize under epoch 2 is
	// rejected.
	requireKind(t, protocol.ErrorEpochMismatch, h.j.FinalizeLogSegment(h.req(2), 1, 2))
}

// Ensure a request stamped with a superseded epoch is rejected with the
// canonical message and has no side effects.
func TestJournalStaleEpochRejected(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	require.NoError(t, h.j.Journal(h.req(1), 1, 1, makeRecords(1, "a")))

	_, err = h.j.NewEpoch(testNsInfo, 2)
	require.NoError(t, err)

	err = h.j.Journal(h.req(1), 2, 1, makeRecords(2, "b"))
	requireKind(t, protocol.ErrorEpochTooLow, err)
	require.Contains(t, err.Error(), "epoch 1 is less than the last promised epoch 2")
	require.Equal(t, uint64(1), h.j.HighestWrittenTxID())

	// Epochs only move forward.
	_, err = h.j.NewEpoch(testNsInfo, 2)
	requireKind(t, protocol.ErrorEpochTooLow, err)
}

// Ensure a Paxos prepare with an epoch that was never promised is rejected.
func TestJournalPrepareRecoveryWithoutEpoch(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.PrepareRecovery(h.req(1), 1)
	requireKind(t, protocol.ErrorEpochTooLow, err)
	require.Contains(t, err.Error(), "bad epoch")
}

// Ensure startLogSegment and finalizeLogSegment retries are idempotent while
// conflicting parameters fail.
func TestJournalIdempotentRetries(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	// Retry with identical parameters succeeds.
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	// A different txid while a segment is open fails.
	requireKind(t, protocol.ErrorSegmentState, h.j.StartLogSegment(h.req(1), 5))

	require.NoError(t, h.j.Journal(h.req(1), 1, 2, makeRecords(1, "a", "b")))
	require.NoError(t, h.j.FinalizeLogSegment(h.req(1), 1, 2))
	// Finalize retry with identical parameters succeeds.
	require.NoError(t, h.j.FinalizeLogSegment(h.req(1), 1, 2))
	// Conflicting parameters fail.
	requireKind(t, protocol.ErrorSegmentState, h.j.FinalizeLogSegment(h.req(1), 1, 3))

	// A txid inside the finalized segment can't start a new segment.
	requireKind(t, protocol.ErrorSegmentState, h.j.StartLogSegment(h.req(1), 2))
	require.NoError(t, h.j.StartLogSegment(h.req(1), 3))
}

// Ensure finalize validates the last written txid against the requested end.
func TestJournalFinalizeMismatch(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	require.NoError(t, h.j.Journal(h.req(1), 1, 1, makeRecords(1, "a")))

	requireKind(t, protocol.ErrorSegmentState, h.j.FinalizeLogSegment(h.req(1), 1, 2))
	require.NoError(t, h.j.FinalizeLogSegment(h.req(1), 1, 1))
}

// Ensure an edit batch whose framed records disagree with its header is
// rejected.
func TestJournalBatchHeaderMismatch(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))

	requireKind(t, protocol.ErrorSegmentState, h.j.Journal(h.req(1), 1, 2, makeRecords(1, "only-one")))
	requireKind(t, protocol.ErrorSegmentState, h.j.Journal(h.req(1), 1, 1, makeRecords(2, "wrong-first")))
	requireKind(t, protocol.ErrorSegmentState, h.j.Journal(h.req(1), 1, 0, nil))
}

// Ensure the journal recovers its state from disk, including the txid range
// of an in-progress segment with a torn trailing write.
func TestJournalReopenScansSegments(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	require.NoError(t, h.j.Journal(h.req(1), 1, 2, makeRecords(1, "a", "b")))
	require.NoError(t, h.j.FinalizeLogSegment(h.req(1), 1, 2))
	require.NoError(t, h.j.StartLogSegment(h.req(1), 3))
	require.NoError(t, h.j.Journal(h.req(1), 3, 2, makeRecords(3, "c", "d")))
	require.NoError(t, h.j.Close())

	// Simulate a torn write at the tail of the in-progress segment.
	inProgress := filepath.Join(h.dir, "current", protocol.InProgressFileName(3))
	f, err := os.OpenFile(inProgress, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(Options{Dir: h.dir, JournalID: "test-journal"})
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.IsFormatted())
	require.Equal(t, uint64(4), reopened.HighestWrittenTxID())
	require.Equal(t, uint64(1), reopened.LastPromisedEpoch())
}

func serveSegment(t *testing.T, records []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(protocol.JournalLayoutVersion))
		w.Write(prefix[:])
		w.Write(records)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Ensure acceptRecovery installs the fetched segment, persists the Paxos
// record for later prepares, and allows a recovery-driven finalize under the
// new epoch.
func TestJournalAcceptRecovery(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	// Epoch 1 writes two transactions but never finalizes.
	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	require.NoError(t, h.j.Journal(h.req(1), 1, 2, makeRecords(1, "a", "b")))

	srv := serveSegment(t, makeRecords(1, "a", "b"))

	_, err = h.j.NewEpoch(testNsInfo, 2)
	require.NoError(t, err)
	prep, err := h.j.PrepareRecovery(h.req(2), 1)
	require.NoError(t, err)
	require.NotNil(t, prep.Segment)
	require.Equal(t, uint64(2), prep.Segment.EndTxID)
	require.Nil(t, prep.AcceptedInEpoch)
	require.Equal(t, uint64(1), prep.LastWriterEpoch)

	value := protocol.SegmentState{StartTxID: 1, EndTxID: 2}
	require.NoError(t, h.j.AcceptRecovery(h.req(2), value, srv.URL))

	// The acceptance is now authoritative for subsequent prepares, and the
	// installed segment is reported as the on-disk state.
	prep, err = h.j.PrepareRecovery(h.req(2), 1)
	require.NoError(t, err)
	require.NotNil(t, prep.AcceptedInEpoch)
	require.Equal(t, uint64(2), *prep.AcceptedInEpoch)
	require.Equal(t, value, *prep.AcceptedValue)
	require.NotNil(t, prep.Segment)
	require.Equal(t, uint64(2), prep.Segment.EndTxID)

	// Recovery-driven finalize succeeds under epoch 2.
	require.NoError(t, h.j.FinalizeLogSegment(h.req(2), 1, 2))
	_, err = os.Stat(filepath.Join(h.dir, "current", protocol.SegmentFileName(1, 2)))
	require.NoError(t, err)
}

// Ensure the accepted Paxos record survives a restart.
func TestJournalAcceptRecoveryPersisted(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))
	require.NoError(t, h.j.Journal(h.req(1), 1, 1, makeRecords(1, "a")))

	srv := serveSegment(t, makeRecords(1, "a"))
	_, err = h.j.NewEpoch(testNsInfo, 2)
	require.NoError(t, err)
	value := protocol.SegmentState{StartTxID: 1, EndTxID: 1}
	require.NoError(t, h.j.AcceptRecovery(h.req(2), value, srv.URL))
	require.NoError(t, h.j.Close())

	reopened, err := Open(Options{Dir: h.dir, JournalID: "test-journal"})
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.NewEpoch(testNsInfo, 3)
	require.NoError(t, err)
	h2 := &testHarness{j: reopened}
	prep, err := reopened.PrepareRecovery(h2.req(3), 1)
	require.NoError(t, err)
	require.NotNil(t, prep.AcceptedInEpoch)
	require.Equal(t, uint64(2), *prep.AcceptedInEpoch)
	require.Equal(t, value, *prep.AcceptedValue)
}

// Ensure a fetched segment that does not cover the accepted range is
// rejected.
func TestJournalAcceptRecoveryLengthMismatch(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)

	srv := serveSegment(t, makeRecords(1, "a"))
	err = h.j.AcceptRecovery(h.req(1), protocol.SegmentState{StartTxID: 1, EndTxID: 2}, srv.URL)
	requireKind(t, protocol.ErrorIO, err)
}

// Ensure an empty in-progress segment is not reported by prepareRecovery.
func TestJournalPrepareRecoveryEmptySegment(t *testing.T) {
	h := newTestJournal(t)
	require.NoError(t, h.j.Format(testNsInfo))

	_, err := h.j.NewEpoch(testNsInfo, 1)
	require.NoError(t, err)
	require.NoError(t, h.j.StartLogSegment(h.req(1), 1))

	_, err = h.j.NewEpoch(testNsInfo, 2)
	require.NoError(t, err)
	prep, err := h.j.PrepareRecovery(h.req(2), 1)
	require.NoError(t, err)
	require.Nil(t, prep.Segment)
	require.Nil(t, prep.AcceptedInEpoch)
}

// Ensure the VERSION file round-trips the namespace info.
func TestVersionFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "VERSION")
	require.NoError(t, writeVersionFile(path, testNsInfo))
	loaded, err := readVersionFile(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, testNsInfo, *loaded)
}

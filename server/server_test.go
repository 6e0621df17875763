package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	natsdTest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/quorumjournal-io/quorumjournal/client"
	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

const testJournalID = "edits"

var testNsInfo = protocol.NamespaceInfo{
	NamespaceID:   12345,
	ClusterID:     "test-cluster",
	BlockPoolID:   "BP-1",
	CreationTime:  100,
	LayoutVersion: protocol.JournalLayoutVersion,
}

func runTestServer(t *testing.T, id string) *Server {
	t.Helper()
	config := NewDefaultConfig()
	config.ServerID = id
	config.DataDir = t.TempDir()
	config.HTTPHost = "127.0.0.1"
	config.HTTPPort = 0
	config.LogSilent = true
	s := New(config)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

// runTestCluster starts an external NATS server and three JournalNodes.
func runTestCluster(t *testing.T) []*Server {
	t.Helper()
	ns := natsdTest.RunDefaultServer()
	t.Cleanup(ns.Shutdown)
	return []*Server{
		runTestServer(t, "a"),
		runTestServer(t, "b"),
		runTestServer(t, "c"),
	}
}

func newTestManager(t *testing.T) *client.QuorumJournalManager {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	m, err := client.NewQuorumJournalManager(nc, client.Config{
		JournalID: testJournalID,
		NsInfo:    testNsInfo,
		Peers: []client.PeerConfig{
			{ID: "a", HTTPHost: "127.0.0.1"},
			{ID: "b", HTTPHost: "127.0.0.1"},
			{ID: "c", HTTPHost: "127.0.0.1"},
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func fetchSegment(s *Server, fileName string) ([]byte, int, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/getimage?jid=%s&filename=%s",
		s.HTTPPort(), testJournalID, fileName)
	resp, err := http.Get(url)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

// waitForFinalized blocks until every server serves the finalized segment
// file over HTTP.
func waitForFinalized(t *testing.T, timeout time.Duration, fileName string, servers ...*Server) {
	t.Helper()
	deadline := time.Now().Add(timeout)
LOOP:
	for time.Now().Before(deadline) {
		for _, s := range servers {
			_, code, err := fetchSegment(s, fileName)
			if err != nil || code != http.StatusOK {
				time.Sleep(15 * time.Millisecond)
				continue LOOP
			}
		}
		return
	}
	t.Fatalf("cluster did not finalize segment %s", fileName)
}

// frames builds the expected on-disk record bytes for consecutive payloads.
func frames(firstTxID uint64, payloads ...string) []byte {
	var buf []byte
	for i, p := range payloads {
		buf = protocol.AppendRecord(buf, firstTxID+uint64(i), []byte(p))
	}
	return buf
}

// Ensure a full write path: format, epoch, segment, quorum flush, finalize,
// and a byte-exact HTTP fetch of the finalized segment.
func TestClusterWriteFinalizeAndFetch(t *testing.T) {
	servers := runTestCluster(t)
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, m.Format(ctx, testNsInfo))
	require.NoError(t, m.CreateNewUniqueEpoch(ctx))
	require.Equal(t, uint64(1), m.Epoch())
	require.NoError(t, m.RecoverUnfinalizedSegments(ctx))
	require.Equal(t, uint64(1), m.NextTxID())

	w, err := m.StartLogSegment(ctx, m.NextTxID())
	require.NoError(t, err)
	for _, payload := range []string{"alpha", "beta", "gamma"} {
		_, err := w.Write([]byte(payload))
		require.NoError(t, err)
	}
	require.NoError(t, w.SetReadyToFlush())
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Finalize(ctx))
	require.Equal(t, uint64(4), m.NextTxID())

	fileName := protocol.SegmentFileName(1, 3)
	waitForFinalized(t, 10*time.Second, fileName, servers...)

	var expected []byte
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(protocol.JournalLayoutVersion))
	expected = append(expected, prefix[:]...)
	expected = append(expected, frames(1, "alpha", "beta", "gamma")...)

	for _, s := range servers {
		data, code, err := fetchSegment(s, fileName)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, expected, data)
	}

	// A non-existent segment is an HTTP 500.
	_, code, err := fetchSegment(servers[0], protocol.SegmentFileName(9, 9))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, code)
}

// Ensure a successor writer recovers the unfinalized tail segment: the
// in-progress edits of a dead writer are finalized on the quorum and the new
// writer resumes at the next txid.
func TestClusterWriterFailoverRecovery(t *testing.T) {
	servers := runTestCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	m1 := newTestManager(t)
	require.NoError(t, m1.Format(ctx, testNsInfo))
	require.NoError(t, m1.CreateNewUniqueEpoch(ctx))
	require.NoError(t, m1.RecoverUnfinalizedSegments(ctx))

	w, err := m1.StartLogSegment(ctx, 1)
	require.NoError(t, err)
	for _, payload := range []string{"a", "b"} {
		_, err := w.Write([]byte(payload))
		require.NoError(t, err)
	}
	require.NoError(t, w.SetReadyToFlush())
	require.NoError(t, w.Flush(ctx))
	// The writer dies without finalizing.
	m1.Close()

	m2 := newTestManager(t)
	require.NoError(t, m2.CreateNewUniqueEpoch(ctx))
	require.Equal(t, uint64(2), m2.Epoch())
	require.NoError(t, m2.RecoverUnfinalizedSegments(ctx))
	require.Equal(t, uint64(3), m2.NextTxID())

	fileName := protocol.SegmentFileName(1, 2)
	waitForFinalized(t, 10*time.Second, fileName, servers...)
	data, code, err := fetchSegment(servers[0], fileName)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, frames(1, "a", "b"), data[4:])

	// The successor writes the next segment normally.
	w2, err := m2.StartLogSegment(ctx, m2.NextTxID())
	require.NoError(t, err)
	_, err = w2.Write([]byte("c"))
	require.NoError(t, err)
	require.NoError(t, w2.SetReadyToFlush())
	require.NoError(t, w2.Flush(ctx))
	require.NoError(t, w2.Finalize(ctx))
	require.Equal(t, uint64(4), m2.NextTxID())
}

// Ensure a fenced writer cannot make progress once a successor establishes a
// higher epoch, and that the failed flush aborts it permanently.
func TestClusterEpochFencing(t *testing.T) {
	runTestCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	m1 := newTestManager(t)
	require.NoError(t, m1.Format(ctx, testNsInfo))
	require.NoError(t, m1.CreateNewUniqueEpoch(ctx))
	require.NoError(t, m1.RecoverUnfinalizedSegments(ctx))
	w, err := m1.StartLogSegment(ctx, 1)
	require.NoError(t, err)
	_, err = w.Write([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, w.SetReadyToFlush())
	require.NoError(t, w.Flush(ctx))

	// A successor fences epoch 1 on the quorum.
	m2 := newTestManager(t)
	require.NoError(t, m2.CreateNewUniqueEpoch(ctx))
	require.Equal(t, uint64(2), m2.Epoch())

	_, err = w.Write([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, w.SetReadyToFlush())
	err = w.Flush(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "less than the last promised epoch 2")

	// The writer is broken for good.
	_, err = w.Write([]byte("c"))
	require.ErrorIs(t, err, client.ErrWriterAborted)
}

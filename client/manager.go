package client

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/logger"
	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// QuorumJournalManager is the single writer's client to a JournalNode
// quorum. A write is durable once a strict majority of peers has fsynced it.
// Exactly one manager may hold the current epoch; on any quorum failure the
// writer aborts and a successor must run recovery.
type QuorumJournalManager struct {
	cfg      Config
	loggers  map[string]AsyncLogger
	logger   logger.Logger
	writerID string

	mu                sync.Mutex
	epoch             uint64
	nextTxID          uint64
	newEpochResponses map[string]*protocol.NewEpochResponse
	aborted           bool
}

// NewQuorumJournalManager creates a manager speaking to the configured peers
// over the given NATS connection. No RPCs are issued until an operation is
// called.
func NewQuorumJournalManager(conn *nats.Conn, cfg Config) (*QuorumJournalManager, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	m := &QuorumJournalManager{
		cfg:      cfg,
		loggers:  make(map[string]AsyncLogger, len(cfg.Peers)),
		logger:   cfg.Logger,
		writerID: nuid.Next(),
		nextTxID: 1,
	}
	for _, peer := range cfg.Peers {
		m.loggers[peer.ID] = newLoggerChannel(conn, &m.cfg, peer)
	}
	return m, nil
}

// Format initializes the journal on every peer. Unlike writes, formatting
// requires unanimous success: a half-formatted quorum is an operator problem,
// not a runtime one.
func (m *QuorumJournalManager) Format(ctx context.Context, nsInfo protocol.NamespaceInfo) error {
	calls := make(map[string]*Deferred[Void], len(m.loggers))
	for peer, lg := range m.loggers {
		calls[peer] = lg.Format(nsInfo)
	}
	for peer, d := range calls {
		select {
		case <-d.Done():
			if _, err := d.Result(); err != nil {
				return errors.Wrapf(err, "failed to format journal on %s", peer)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CreateNewUniqueEpoch surveys the quorum for the highest promised epoch and
// establishes the next one on a majority. It must be called before any write
// and before recovery.
func (m *QuorumJournalManager) CreateNewUniqueEpoch(ctx context.Context) error {
	states := make(map[string]*Deferred[*protocol.GetJournalStateResponse], len(m.loggers))
	for peer, lg := range m.loggers {
		states[peer] = lg.GetJournalState()
	}
	stateResps, err := NewQuorumCall(states).AwaitQuorum(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to survey journal state")
	}

	var maxPromised uint64
	for _, resp := range stateResps {
		if resp.LastPromisedEpoch > maxPromised {
			maxPromised = resp.LastPromisedEpoch
		}
	}
	epoch := maxPromised + 1

	proposals := make(map[string]*Deferred[*protocol.NewEpochResponse], len(m.loggers))
	for peer, lg := range m.loggers {
		proposals[peer] = lg.NewEpoch(m.cfg.NsInfo, epoch)
	}
	epochResps, err := NewQuorumCall(proposals).AwaitQuorum(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to establish epoch %d", epoch)
	}

	m.mu.Lock()
	m.epoch = epoch
	m.newEpochResponses = epochResps
	m.mu.Unlock()
	for _, lg := range m.loggers {
		lg.SetEpoch(epoch)
	}
	m.logger.Infof("writer %s: established epoch %d on journal %s",
		m.writerID, epoch, m.cfg.JournalID)
	return nil
}

// Epoch returns the writer epoch established by CreateNewUniqueEpoch, or 0.
func (m *QuorumJournalManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// NextTxID returns the txid the next segment should start at. It reflects
// the outcome of the most recent recovery or finalized segment.
func (m *QuorumJournalManager) NextTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextTxID
}

// StartLogSegment opens a new segment at the given txid on a quorum of peers
// and returns a writer for it.
func (m *QuorumJournalManager) StartLogSegment(ctx context.Context, txid uint64) (*SegmentWriter, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}
	calls := make(map[string]*Deferred[Void], len(m.loggers))
	for peer, lg := range m.loggers {
		calls[peer] = lg.StartLogSegment(txid)
	}
	if _, err := NewQuorumCall(calls).AwaitQuorum(ctx); err != nil {
		m.abort()
		return nil, errors.Wrapf(err, "failed to start log segment at txid %d", txid)
	}
	return &SegmentWriter{
		m:         m,
		buf:       newEditBuffer(),
		startTxID: txid,
		nextTxID:  txid,
	}, nil
}

func (m *QuorumJournalManager) checkUsable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aborted {
		return ErrWriterAborted
	}
	if m.epoch == 0 {
		return errors.New("no epoch established; call CreateNewUniqueEpoch first")
	}
	return nil
}

// abort permanently breaks this writer. Called on any quorum failure in the
// write path: the segment state across peers is no longer known, and only a
// successor epoch's recovery may repair it.
func (m *QuorumJournalManager) abort() {
	m.mu.Lock()
	m.aborted = true
	m.mu.Unlock()
	m.logger.Errorf("writer %s: aborting after quorum failure on journal %s",
		m.writerID, m.cfg.JournalID)
}

// Close stops all per-peer loggers.
func (m *QuorumJournalManager) Close() {
	for _, lg := range m.loggers {
		lg.Close()
	}
}

// SegmentWriter appends transactions to one open segment, double-buffering
// between the writer thread and in-flight quorum flushes. It is not safe for
// concurrent use: the edit log has a single logical writer.
type SegmentWriter struct {
	m         *QuorumJournalManager
	buf       *editBuffer
	startTxID uint64
	nextTxID  uint64
}

// Write appends one opaque transaction payload to the current buffer and
// returns its assigned txid. It never blocks on the network.
func (w *SegmentWriter) Write(payload []byte) (uint64, error) {
	if err := w.m.checkUsable(); err != nil {
		return 0, err
	}
	txid := w.nextTxID
	if err := w.buf.Write(txid, payload); err != nil {
		return 0, err
	}
	w.nextTxID++
	return txid, nil
}

// SetReadyToFlush freezes the buffered edits for the next Flush. The
// previous batch must have been flushed first.
func (w *SegmentWriter) SetReadyToFlush() error {
	return w.buf.SetReadyToFlush()
}

// Flush sends the frozen batch to every peer and blocks until a strict
// majority has fsynced it. On quorum failure the writer is aborted: the
// segment is broken until a successor recovers it.
func (w *SegmentWriter) Flush(ctx context.Context) error {
	if err := w.m.checkUsable(); err != nil {
		return err
	}
	firstTxID, numTxns, data, ok := w.buf.ReadyBatch()
	if !ok {
		return nil
	}
	calls := make(map[string]*Deferred[Void], len(w.m.loggers))
	for peer, lg := range w.m.loggers {
		calls[peer] = lg.SendEdits(firstTxID, numTxns, data)
	}
	if _, err := NewQuorumCall(calls).AwaitQuorum(ctx); err != nil {
		w.m.abort()
		return errors.Wrapf(err, "failed to flush txids %d-%d",
			firstTxID, firstTxID+uint64(numTxns)-1)
	}
	w.buf.DiscardReady()
	return nil
}

// Finalize flushes any frozen batch and finalizes the segment at the last
// written txid on a quorum of peers.
func (w *SegmentWriter) Finalize(ctx context.Context) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}
	if w.buf.BufferedTxns() > 0 {
		return errors.New("cannot finalize: unflushed edits remain")
	}
	if w.nextTxID == w.startTxID {
		return errors.New("cannot finalize an empty segment")
	}
	endTxID := w.nextTxID - 1
	calls := make(map[string]*Deferred[Void], len(w.m.loggers))
	for peer, lg := range w.m.loggers {
		calls[peer] = lg.FinalizeLogSegment(w.startTxID, endTxID)
	}
	if _, err := NewQuorumCall(calls).AwaitQuorum(ctx); err != nil {
		w.m.abort()
		return errors.Wrapf(err, "failed to finalize segment [%d-%d]", w.startTxID, endTxID)
	}
	w.m.mu.Lock()
	w.m.nextTxID = endTxID + 1
	w.m.mu.Unlock()
	return nil
}

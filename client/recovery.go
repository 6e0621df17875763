package client

import (
	"context"
	"sort"
	"time"

	"github.com/hako/durafmt"
	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// RecoverUnfinalizedSegments brings the tail segment of the journal into a
// single definitive state across the quorum. It must run once, immediately
// after CreateNewUniqueEpoch and before any new segment is started.
//
// The algorithm is a Paxos round over the unfinalized segment: prepare on a
// quorum, pick the value that preserves any prior acceptance (and otherwise
// the longest segment written under the highest writer epoch), replicate it
// by URL fetch, then finalize.
func (m *QuorumJournalManager) RecoverUnfinalizedSegments(ctx context.Context) error {
	start := time.Now()

	m.mu.Lock()
	epoch := m.epoch
	newEpochResponses := m.newEpochResponses
	m.mu.Unlock()
	if epoch == 0 {
		return errors.New("no epoch established; call CreateNewUniqueEpoch first")
	}

	var (
		segmentTxID uint64
		anySegment  bool
	)
	for _, resp := range newEpochResponses {
		if resp.LastSegmentTxID != nil && *resp.LastSegmentTxID > segmentTxID {
			segmentTxID = *resp.LastSegmentTxID
			anySegment = true
		}
	}
	if !anySegment {
		m.logger.Infof("writer %s: no segments on journal %s, nothing to recover",
			m.writerID, m.cfg.JournalID)
		return nil
	}

	prepares := make(map[string]*Deferred[*protocol.PrepareRecoveryResponse], len(m.loggers))
	for peer, lg := range m.loggers {
		prepares[peer] = lg.PrepareRecovery(segmentTxID)
	}
	prepareResps, err := NewQuorumCall(prepares).AwaitQuorum(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to prepare recovery of segment %d", segmentTxID)
	}

	winner, value, ok := selectRecoveryValue(prepareResps)
	if !ok {
		// The newest segment exists but holds no transactions on any
		// responding peer. There is nothing to finalize; the next segment
		// simply reuses its start txid.
		m.mu.Lock()
		m.nextTxID = segmentTxID
		m.mu.Unlock()
		m.logger.Infof("writer %s: segment %d is empty on all peers, nothing to recover",
			m.writerID, segmentTxID)
		return nil
	}

	source, fileName, err := selectRecoverySource(prepareResps, winner, value)
	if err != nil {
		return err
	}
	fromURL, err := m.loggers[source].FetchURL(fileName)
	if err != nil {
		return err
	}
	m.logger.Infof("writer %s: recovering segment %s from %s (%s)",
		m.writerID, value, source, fromURL)

	accepts := make(map[string]*Deferred[Void], len(m.loggers))
	for peer, lg := range m.loggers {
		accepts[peer] = lg.AcceptRecovery(value, fromURL)
	}
	if _, err := NewQuorumCall(accepts).AwaitQuorum(ctx); err != nil {
		return errors.Wrapf(err, "failed to accept recovery of segment %s", value)
	}

	finalizes := make(map[string]*Deferred[Void], len(m.loggers))
	for peer, lg := range m.loggers {
		finalizes[peer] = lg.FinalizeLogSegment(value.StartTxID, value.EndTxID)
	}
	if _, err := NewQuorumCall(finalizes).AwaitQuorum(ctx); err != nil {
		return errors.Wrapf(err, "failed to finalize recovered segment %s", value)
	}

	m.mu.Lock()
	m.nextTxID = value.EndTxID + 1
	m.mu.Unlock()
	m.logger.Infof("writer %s: recovered segment %s in %s", m.writerID, value,
		durafmt.Parse(time.Since(start)).LimitFirstN(2))
	return nil
}

// selectRecoveryValue picks the definitive segment state from a quorum of
// prepare responses. The total order, highest first:
//
//  1. any previously accepted value beats all raw segments; among accepted
//     values the highest acceptance epoch wins;
//  2. among raw segments, the highest writer epoch wins, then the largest
//     end txid;
//  3. remaining ties break on peer ID, making the choice stable.
//
// Rule 1 is Paxos safety: once any acceptor has accepted a value, no later
// recovery may pick a different one. Rule 2 never truncates transactions
// journaled under the most recent writer.
func selectRecoveryValue(resps map[string]*protocol.PrepareRecoveryResponse) (string, protocol.SegmentState, bool) {
	peers := make([]string, 0, len(resps))
	for peer := range resps {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	var best string
	for _, peer := range peers {
		resp := resps[peer]
		if resp.AcceptedValue == nil && resp.Segment == nil {
			continue
		}
		if best == "" || compareRecovery(resps[best], resp) < 0 {
			best = peer
		}
	}
	if best == "" {
		return "", protocol.SegmentState{}, false
	}
	resp := resps[best]
	if resp.AcceptedValue != nil {
		return best, *resp.AcceptedValue, true
	}
	return best, protocol.SegmentState{
		StartTxID: resp.Segment.StartTxID,
		EndTxID:   resp.Segment.EndTxID,
	}, true
}

// compareRecovery orders two prepare responses; positive means a wins. Equal
// keys return 0 and the caller keeps the earlier peer.
func compareRecovery(a, b *protocol.PrepareRecoveryResponse) int {
	aAccepted, bAccepted := a.AcceptedValue != nil, b.AcceptedValue != nil
	if aAccepted != bAccepted {
		if aAccepted {
			return 1
		}
		return -1
	}
	if aAccepted {
		return compareUint64(*a.AcceptedInEpoch, *b.AcceptedInEpoch)
	}
	if c := compareUint64(a.LastWriterEpoch, b.LastWriterEpoch); c != 0 {
		return c
	}
	return compareUint64(a.Segment.EndTxID, b.Segment.EndTxID)
}

func compareUint64(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// selectRecoverySource picks the peer to fetch the definitive bytes from: one
// whose on-disk segment covers exactly the chosen value, preferring the value
// winner itself.
func selectRecoverySource(resps map[string]*protocol.PrepareRecoveryResponse,
	winner string, value protocol.SegmentState) (string, string, error) {

	matches := func(resp *protocol.PrepareRecoveryResponse) bool {
		return resp.Segment != nil &&
			resp.Segment.StartTxID == value.StartTxID &&
			resp.Segment.EndTxID == value.EndTxID
	}
	if matches(resps[winner]) {
		return winner, resps[winner].Segment.FileName(), nil
	}
	peers := make([]string, 0, len(resps))
	for peer := range resps {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	for _, peer := range peers {
		if matches(resps[peer]) {
			return peer, resps[peer].Segment.FileName(), nil
		}
	}
	return "", "", errors.Errorf("no responding peer holds the bytes of recovery value %s", value)
}

package server

import (
	"github.com/nats-io/nats.go"

	"github.com/quorumjournal-io/quorumjournal/server/journal"
	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// rpcHandler returns the NATS handler for one RPC operation. NATS delivers
// messages for a subscription serially, so per-peer FIFO ordering of the
// writer's mutating calls is preserved end to end; cross-journal concurrency
// is bounded by each journal's own mutex.
func (s *Server) rpcHandler(op string) nats.MsgHandler {
	switch op {
	case protocol.OpFormat:
		return s.handleFormat
	case protocol.OpGetJournalState:
		return s.handleGetJournalState
	case protocol.OpNewEpoch:
		return s.handleNewEpoch
	case protocol.OpStartLogSegment:
		return s.handleStartLogSegment
	case protocol.OpJournal:
		return s.handleJournal
	case protocol.OpFinalizeLogSegment:
		return s.handleFinalizeLogSegment
	case protocol.OpPrepareRecovery:
		return s.handlePrepareRecovery
	case protocol.OpAcceptRecovery:
		return s.handleAcceptRecovery
	default:
		panic("unknown RPC op " + op)
	}
}

func (s *Server) handleFormat(msg *nats.Msg) {
	var req protocol.FormatRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	s.respond(msg, j, nil, j.Format(req.NsInfo))
}

func (s *Server) handleGetJournalState(msg *nats.Msg) {
	var req protocol.GetJournalStateRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	resp, err := j.GetJournalState()
	s.respond(msg, j, resp, err)
}

func (s *Server) handleNewEpoch(msg *nats.Msg) {
	var req protocol.NewEpochRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	resp, err := j.NewEpoch(req.NsInfo, req.Epoch)
	s.respond(msg, j, resp, err)
}

func (s *Server) handleStartLogSegment(msg *nats.Msg) {
	var req protocol.StartLogSegmentRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.ReqInfo.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	s.respond(msg, j, nil, j.StartLogSegment(req.ReqInfo, req.TxID))
}

func (s *Server) handleJournal(msg *nats.Msg) {
	var req protocol.JournalRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.ReqInfo.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	s.respond(msg, j, nil, j.Journal(req.ReqInfo, req.FirstTxID, req.NumTxns, req.Records))
}

func (s *Server) handleFinalizeLogSegment(msg *nats.Msg) {
	var req protocol.FinalizeLogSegmentRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.ReqInfo.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	s.respond(msg, j, nil, j.FinalizeLogSegment(req.ReqInfo, req.StartTxID, req.EndTxID))
}

func (s *Server) handlePrepareRecovery(msg *nats.Msg) {
	var req protocol.PrepareRecoveryRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.ReqInfo.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	resp, err := j.PrepareRecovery(req.ReqInfo, req.SegmentTxID)
	s.respond(msg, j, resp, err)
}

func (s *Server) handleAcceptRecovery(msg *nats.Msg) {
	var req protocol.AcceptRecoveryRequest
	if err := protocol.UnmarshalRequest(msg.Data, &req); err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	j, err := s.getOrOpenJournal(req.ReqInfo.JournalID)
	if err != nil {
		s.respond(msg, nil, nil, err)
		return
	}
	s.respond(msg, j, nil, j.AcceptRecovery(req.ReqInfo, req.Segment, req.FromURL))
}

// respond stamps every reply with the journal's current promised epoch so a
// superseded writer finds out on its very next response.
func (s *Server) respond(msg *nats.Msg, j *journal.Journal, body interface{}, err error) {
	var wireErr *protocol.WireError
	if err != nil {
		wireErr = &protocol.WireError{Kind: journal.Kind(err), Message: err.Error()}
	}
	var lastPromised uint64
	if j != nil {
		lastPromised = j.LastPromisedEpoch()
	}
	data, merr := protocol.MarshalEnvelope(lastPromised, body, wireErr)
	if merr != nil {
		s.logger.Errorf("journalnode %s: failed to marshal response: %v", s.config.ServerID, merr)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Errorf("journalnode %s: failed to respond: %v", s.config.ServerID, err)
	}
}

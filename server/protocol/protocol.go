// Package protocol defines the wire contract between the quorum writer and
// JournalNodes: RPC subjects, request/response messages, typed error kinds,
// and the record framing used inside segment files.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// JournalLayoutVersion identifies the on-disk and over-the-wire segment
// format. It prefixes every segment served over HTTP as a 4-byte big-endian
// value.
const JournalLayoutVersion int32 = 1

// DefaultNamespace is the NATS subject namespace JournalNodes subscribe
// under.
const DefaultNamespace = "qj"

// RPC operation names. Each maps to its own NATS subject per JournalNode.
const (
	OpFormat             = "format"
	OpGetJournalState    = "getJournalState"
	OpNewEpoch           = "newEpoch"
	OpStartLogSegment    = "startLogSegment"
	OpJournal            = "journal"
	OpFinalizeLogSegment = "finalizeLogSegment"
	OpPrepareRecovery    = "prepareRecovery"
	OpAcceptRecovery     = "acceptRecovery"
)

// RPCSubject returns the NATS subject a JournalNode serves the given
// operation on.
func RPCSubject(namespace, serverID, op string) string {
	return fmt.Sprintf("%s.%s.rpc.%s", namespace, serverID, op)
}

// ErrorKind discriminates the typed failures a JournalNode can return. The
// client returns a failed call's WireError unchanged, so callers can branch
// on its Kind.
type ErrorKind string

const (
	ErrorNotFormatted      ErrorKind = "NotFormatted"
	ErrorNamespaceMismatch ErrorKind = "NamespaceMismatch"
	ErrorEpochTooLow       ErrorKind = "EpochTooLow"
	ErrorEpochMismatch     ErrorKind = "EpochMismatch"
	ErrorOutOfSync         ErrorKind = "OutOfSync"
	ErrorSegmentState      ErrorKind = "SegmentState"
	ErrorIO                ErrorKind = "IOError"
)

// WireError is a typed failure carried in a response envelope.
type WireError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *WireError) Error() string { return e.Message }

// NamespaceInfo identifies the namespace a journal belongs to. It is fixed at
// format time and must match on every subsequent request.
type NamespaceInfo struct {
	NamespaceID   uint64 `json:"namespaceId"`
	ClusterID     string `json:"clusterId"`
	BlockPoolID   string `json:"blockPoolId"`
	CreationTime  int64  `json:"creationTime"`
	LayoutVersion int32  `json:"layoutVersion"`
}

// Equal reports whether two NamespaceInfos identify the same namespace.
func (n NamespaceInfo) Equal(o NamespaceInfo) bool {
	return n == o
}

// RequestInfo stamps every mutating RPC with the journal being addressed, the
// writer's namespace, its epoch, and a per-writer serial number.
type RequestInfo struct {
	JournalID string        `json:"jid"`
	NsInfo    NamespaceInfo `json:"nsInfo"`
	Epoch     uint64        `json:"epoch"`
	IPCSerial uint64        `json:"ipcSerial"`
}

// SegmentState describes one log segment as known to a JournalNode.
type SegmentState struct {
	StartTxID  uint64 `json:"startTxId"`
	EndTxID    uint64 `json:"endTxId"`
	InProgress bool   `json:"inProgress"`
}

func (s SegmentState) String() string {
	if s.InProgress {
		return fmt.Sprintf("[%d-? (in-progress)]", s.StartTxID)
	}
	return fmt.Sprintf("[%d-%d]", s.StartTxID, s.EndTxID)
}

// SegmentFileName returns the canonical file name of a finalized segment.
// These names are used verbatim in HTTP filename parameters.
func SegmentFileName(startTxID, endTxID uint64) string {
	return fmt.Sprintf("edits_%019d-%019d", startTxID, endTxID)
}

// InProgressFileName returns the canonical file name of an open segment.
func InProgressFileName(startTxID uint64) string {
	return fmt.Sprintf("edits_inprogress_%019d", startTxID)
}

// FileName returns the canonical file name for the segment state.
func (s SegmentState) FileName() string {
	if s.InProgress {
		return InProgressFileName(s.StartTxID)
	}
	return SegmentFileName(s.StartTxID, s.EndTxID)
}

// Request messages.

type FormatRequest struct {
	JournalID string        `json:"jid"`
	NsInfo    NamespaceInfo `json:"nsInfo"`
}

type GetJournalStateRequest struct {
	JournalID string `json:"jid"`
}

type NewEpochRequest struct {
	JournalID string        `json:"jid"`
	NsInfo    NamespaceInfo `json:"nsInfo"`
	Epoch     uint64        `json:"epoch"`
}

type StartLogSegmentRequest struct {
	ReqInfo RequestInfo `json:"reqInfo"`
	TxID    uint64      `json:"txId"`
}

type JournalRequest struct {
	ReqInfo   RequestInfo `json:"reqInfo"`
	FirstTxID uint64      `json:"firstTxId"`
	NumTxns   uint32      `json:"numTxns"`
	Records   []byte      `json:"records"`
}

type FinalizeLogSegmentRequest struct {
	ReqInfo   RequestInfo `json:"reqInfo"`
	StartTxID uint64      `json:"startTxId"`
	EndTxID   uint64      `json:"endTxId"`
}

type PrepareRecoveryRequest struct {
	ReqInfo     RequestInfo `json:"reqInfo"`
	SegmentTxID uint64      `json:"segmentTxId"`
}

type AcceptRecoveryRequest struct {
	ReqInfo RequestInfo  `json:"reqInfo"`
	Segment SegmentState `json:"segment"`
	FromURL string       `json:"fromUrl"`
}

// Response messages.

type GetJournalStateResponse struct {
	LastPromisedEpoch uint64 `json:"lastPromisedEpoch"`
	HTTPPort          int    `json:"httpPort"`
}

type NewEpochResponse struct {
	// LastSegmentTxID is the start txid of the newest on-disk segment, or nil
	// if the journal has none.
	LastSegmentTxID *uint64 `json:"lastSegmentTxId,omitempty"`
}

type PrepareRecoveryResponse struct {
	// Segment is the on-disk state of the segment being recovered, or nil if
	// this node holds no transactions for it.
	Segment *SegmentState `json:"segment,omitempty"`
	// AcceptedValue and AcceptedInEpoch report a recovery value this acceptor
	// previously accepted. Once set, any completing recovery must finalize
	// that exact value.
	AcceptedValue   *SegmentState `json:"acceptedValue,omitempty"`
	AcceptedInEpoch *uint64       `json:"acceptedInEpoch,omitempty"`
	LastWriterEpoch uint64        `json:"lastWriterEpoch"`
}

// Envelope wraps every RPC response. LastPromisedEpoch is always set so the
// writer can detect that it has been superseded.
type Envelope struct {
	LastPromisedEpoch uint64          `json:"lastPromisedEpoch"`
	Error             *WireError      `json:"error,omitempty"`
	Body              json.RawMessage `json:"body,omitempty"`
}

// MarshalRequest encodes an RPC request message.
func MarshalRequest(req interface{}) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	return data, nil
}

// UnmarshalRequest decodes an RPC request message.
func UnmarshalRequest(data []byte, req interface{}) error {
	if err := json.Unmarshal(data, req); err != nil {
		return errors.Wrap(err, "failed to unmarshal request")
	}
	return nil
}

// MarshalEnvelope encodes a response envelope with the given body. A nil body
// produces an empty envelope, used by operations that return nothing.
func MarshalEnvelope(lastPromisedEpoch uint64, body interface{}, wireErr *WireError) ([]byte, error) {
	env := Envelope{LastPromisedEpoch: lastPromisedEpoch, Error: wireErr}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal response body")
		}
		env.Body = raw
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes a response envelope. If body is non-nil and the
// envelope carries no error, the envelope body is decoded into it.
func UnmarshalEnvelope(data []byte, body interface{}) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	if env.Error == nil && body != nil && len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, body); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal response body")
		}
	}
	return env, nil
}

package client

import (
	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// txBuffer accumulates framed edits destined for one flush.
type txBuffer struct {
	data      []byte
	firstTxID uint64
	numTxns   uint32
}

func (b *txBuffer) append(txid uint64, payload []byte) {
	if b.numTxns == 0 {
		b.firstTxID = txid
	}
	b.data = protocol.AppendRecord(b.data, txid, payload)
	b.numTxns++
}

func (b *txBuffer) empty() bool { return b.numTxns == 0 }

// editBuffer double-buffers edits between the writer thread and the network.
// New ops land in current while a frozen readyToFlush batch is in flight, so
// a slow quorum never blocks op serialization and ordering is preserved.
type editBuffer struct {
	current      *txBuffer
	readyToFlush *txBuffer
}

func newEditBuffer() *editBuffer {
	return &editBuffer{current: new(txBuffer), readyToFlush: new(txBuffer)}
}

// Write appends one transaction to the current buffer. Txids must be strictly
// consecutive.
func (e *editBuffer) Write(txid uint64, payload []byte) error {
	if !e.current.empty() {
		if next := e.current.firstTxID + uint64(e.current.numTxns); txid != next {
			return errors.Errorf("out-of-order edit: txid %d, expected %d", txid, next)
		}
	}
	e.current.append(txid, payload)
	return nil
}

// SetReadyToFlush freezes the current buffer for sending. The previous batch
// must have been flushed (or discarded) first.
func (e *editBuffer) SetReadyToFlush() error {
	if !e.readyToFlush.empty() {
		return errors.New("cannot swap buffers: previous batch has not been flushed")
	}
	e.readyToFlush, e.current = e.current, new(txBuffer)
	return nil
}

// ReadyBatch returns the frozen batch. ok is false if there is nothing to
// flush.
func (e *editBuffer) ReadyBatch() (firstTxID uint64, numTxns uint32, data []byte, ok bool) {
	if e.readyToFlush.empty() {
		return 0, 0, nil, false
	}
	return e.readyToFlush.firstTxID, e.readyToFlush.numTxns, e.readyToFlush.data, true
}

// DiscardReady drops the frozen batch after a successful flush.
func (e *editBuffer) DiscardReady() {
	e.readyToFlush = new(txBuffer)
}

// BufferedTxns returns the number of transactions not yet handed to the
// network.
func (e *editBuffer) BufferedTxns() int {
	return int(e.current.numTxns) + int(e.readyToFlush.numTxns)
}

package client

import (
	"github.com/pkg/errors"
)

var (
	// ErrTimeout indicates an RPC missed its deadline. The request was
	// canceled best-effort and may still be applied by the peer.
	ErrTimeout = errors.New("rpc timed out")

	// ErrTooManyQueued indicates the per-peer backpressure bound was hit.
	// The send fails fast instead of blocking the writer thread.
	ErrTooManyQueued = errors.New("too many edits queued to journal node")

	// ErrFenced indicates a peer reported a promised epoch higher than ours:
	// another writer has taken over and this one must abort.
	ErrFenced = errors.New("journal node has promised a higher epoch")

	// ErrWriterAborted indicates a previous quorum failure broke this writer;
	// no further writes are possible under its epoch.
	ErrWriterAborted = errors.New("writer aborted after quorum failure")
)

package journal

import (
	"fmt"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// Error is a typed journal failure. The kind travels over the wire so the
// writer can distinguish, e.g., an epoch fence from a disk fault.
type Error struct {
	Kind protocol.ErrorKind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind protocol.ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Kind returns the protocol error kind for err. Untyped errors are reported
// as I/O failures.
func Kind(err error) protocol.ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return protocol.ErrorIO
}

package journal

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// segmentWriter owns the journal's single in-progress segment file. All
// mutation happens under the journal mutex.
type segmentWriter struct {
	file      *os.File
	path      string
	startTxID uint64
	nextTxID  uint64
	written   int64
}

// createSegment allocates an empty in-progress segment file, truncating any
// stale file left by an aborted writer, and makes the creation durable.
func createSegment(currentDir string, startTxID uint64) (*segmentWriter, error) {
	path := filepath.Join(currentDir, protocol.InProgressFileName(startTxID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create segment file")
	}
	if err := syncDir(currentDir); err != nil {
		f.Close()
		return nil, err
	}
	return &segmentWriter{
		file:      f,
		path:      path,
		startTxID: startTxID,
		nextTxID:  startTxID,
	}, nil
}

// append writes a batch of framed records and fsyncs before returning.
func (s *segmentWriter) append(records []byte, numTxns uint32) error {
	if _, err := s.file.Write(records); err != nil {
		return errors.Wrap(err, "failed to append to segment")
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync segment")
	}
	s.written += int64(len(records))
	s.nextTxID += uint64(numTxns)
	return nil
}

// lastWrittenTxID returns the highest txid written to this segment. ok is
// false while the segment is still empty.
func (s *segmentWriter) lastWrittenTxID() (uint64, bool) {
	if s.nextTxID == s.startTxID {
		return 0, false
	}
	return s.nextTxID - 1, true
}

// abort closes the file handle, leaving the in-progress file on disk for a
// later finalize or recovery to pick up.
func (s *segmentWriter) abort() {
	s.file.Close()
}

func (s *segmentWriter) close() error {
	return errors.Wrap(s.file.Close(), "failed to close segment")
}

// scanSegmentFile validates the framed records of an on-disk segment and
// returns its txid range. count is zero for an empty segment.
func scanSegmentFile(path string) (firstTxID, lastTxID uint64, count int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to read segment")
	}
	firstTxID, lastTxID, count, ok := protocol.CountRecords(data)
	if !ok {
		return 0, 0, 0, nil
	}
	return firstTxID, lastTxID, count, nil
}

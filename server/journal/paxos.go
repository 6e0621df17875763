package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	atomic_file "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// persistedRecovery is the durable Paxos acceptor record for one segment. It
// is written before the segment rename during acceptRecovery so a crash
// between the two is detectable: the record is authoritative at the next
// prepare, and the segment can be re-fetched from FromURL.
type persistedRecovery struct {
	AcceptedInEpoch uint64                `json:"acceptedInEpoch"`
	Segment         protocol.SegmentState `json:"segment"`
	FromURL         string                `json:"fromUrl"`
}

func (p *persistedRecovery) String() string {
	return fmt.Sprintf("accepted %s in epoch %d from %s", p.Segment, p.AcceptedInEpoch, p.FromURL)
}

func paxosFilePath(currentDir string, segmentTxID uint64) string {
	return filepath.Join(currentDir, paxosDirName, fmt.Sprintf("%d", segmentTxID))
}

// persistPaxosData durably records an accepted recovery value. The write must
// complete before the segment file is moved into place.
func persistPaxosData(currentDir string, segmentTxID uint64, rec *persistedRecovery) error {
	path := paxosFilePath(currentDir, segmentTxID)
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal recovery record")
	}
	if err := atomic_file.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "failed to write recovery record")
	}
	return syncDir(filepath.Dir(path))
}

// loadPaxosData returns the accepted recovery record for the segment, or nil
// if none has been accepted.
func loadPaxosData(currentDir string, segmentTxID uint64) (*persistedRecovery, error) {
	data, err := os.ReadFile(paxosFilePath(currentDir, segmentTxID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read recovery record")
	}
	rec := new(persistedRecovery)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal recovery record")
	}
	return rec, nil
}

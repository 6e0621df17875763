// Package journal implements the on-disk state machine of a JournalNode: an
// epoch-fenced, segmented transaction log that doubles as a Paxos acceptor
// for tail-segment recovery.
package journal

import (
	"encoding/binary"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/logger"
	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

const defaultFetchTimeout = 30 * time.Second

// Options contains settings for opening a Journal.
type Options struct {
	Dir          string        // Path to the journal storage directory
	JournalID    string        // Journal identifier this directory serves
	HTTPPort     int           // Advertised port of the node's segment file server
	Logger       logger.Logger
	FetchClient  *http.Client  // Client for acceptRecovery segment fetches
	FetchTimeout time.Duration // Deadline for acceptRecovery segment fetches
}

// Journal is the per-jid state machine. All operations are serialized by a
// single mutex; the HTTP file server reads finalized files without touching
// it.
type Journal struct {
	mu sync.Mutex
	Options

	currentDir string
	nsInfo     *protocol.NamespaceInfo

	lastPromisedEpoch uint64
	lastWriterEpoch   uint64
	lastIPCSerial     uint64

	cur                *segmentWriter
	highestWrittenTxID uint64

	metrics *journalMetrics
}

// Open loads or initializes the journal directory. An unformatted directory
// opens successfully but rejects every operation until Format is called.
func Open(opts Options) (*Journal, error) {
	if opts.Dir == "" {
		return nil, errors.New("journal dir is empty")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger(0)
		opts.Logger.Silent(true)
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.FetchClient == nil {
		// The fetch client must not share connections with the node's own
		// HTTP server, or a recovery fetch could deadlock behind it.
		opts.FetchClient = &http.Client{Timeout: opts.FetchTimeout}
	}

	j := &Journal{
		Options:    opts,
		currentDir: filepath.Join(opts.Dir, currentDirName),
		metrics:    newJournalMetrics(opts.JournalID),
	}
	if err := os.MkdirAll(filepath.Join(j.currentDir, paxosDirName), 0755); err != nil {
		return nil, errors.Wrap(err, "mkdir failed")
	}
	if err := j.loadState(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) loadState() error {
	nsInfo, err := readVersionFile(filepath.Join(j.currentDir, versionFileName))
	if err != nil {
		return err
	}
	j.nsInfo = nsInfo

	if j.lastPromisedEpoch, err = readEpochFile(filepath.Join(j.currentDir, promisedEpochFileName)); err != nil {
		return err
	}
	if j.lastWriterEpoch, err = readEpochFile(filepath.Join(j.currentDir, writerEpochFileName)); err != nil {
		return err
	}
	j.metrics.lastPromisedEpoch.Set(float64(j.lastPromisedEpoch))

	segments, err := listSegments(j.currentDir)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.InProgress {
			_, last, count, err := scanSegmentFile(filepath.Join(j.currentDir, seg.FileName()))
			if err != nil {
				return err
			}
			if count > 0 && last > j.highestWrittenTxID {
				j.highestWrittenTxID = last
			}
		} else if seg.EndTxID > j.highestWrittenTxID {
			j.highestWrittenTxID = seg.EndTxID
		}
	}
	if j.nsInfo != nil {
		j.completeAcceptedRecoveries()
		j.Logger.Infof("journal %s: opened with %d segment(s), promised epoch %d, writer epoch %d",
			j.JournalID, len(segments), j.lastPromisedEpoch, j.lastWriterEpoch)
	}
	return nil
}

// completeAcceptedRecoveries re-applies accepted recovery values whose
// segment install was interrupted by a crash between the record write and the
// rename. Failures are not fatal: the record stays authoritative for the next
// prepare, and a fresh accept will re-fetch.
func (j *Journal) completeAcceptedRecoveries() {
	entries, err := os.ReadDir(filepath.Join(j.currentDir, paxosDirName))
	if err != nil {
		j.Logger.Warnf("journal %s: failed to read paxos dir: %v", j.JournalID, err)
		return
	}
	for _, entry := range entries {
		txid, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		rec, err := loadPaxosData(j.currentDir, txid)
		if err != nil || rec == nil {
			continue
		}
		finalized := filepath.Join(j.currentDir, rec.Segment.FileName())
		if _, err := os.Stat(finalized); err == nil {
			continue
		}
		inProgress := filepath.Join(j.currentDir, protocol.InProgressFileName(txid))
		if first, last, count, err := scanSegmentFile(inProgress); err == nil &&
			count > 0 && first == rec.Segment.StartTxID && last >= rec.Segment.EndTxID {
			continue
		}
		body, err := j.fetchSegment(rec.FromURL)
		if err != nil {
			j.Logger.Warnf("journal %s: could not complete %s: %v", j.JournalID, rec, err)
			continue
		}
		first, last, _, ok := protocol.CountRecords(body)
		if !ok || first != rec.Segment.StartTxID || last != rec.Segment.EndTxID {
			j.Logger.Warnf("journal %s: stale bytes at %s for %s", j.JournalID, rec.FromURL, rec)
			continue
		}
		tmp := inProgress + ".tmp"
		if err := writeFileSynced(tmp, body); err != nil {
			j.Logger.Warnf("journal %s: could not complete %s: %v", j.JournalID, rec, err)
			continue
		}
		if err := os.Rename(tmp, inProgress); err != nil {
			j.Logger.Warnf("journal %s: could not complete %s: %v", j.JournalID, rec, err)
			continue
		}
		if err := syncDir(j.currentDir); err != nil {
			j.Logger.Warnf("journal %s: could not complete %s: %v", j.JournalID, rec, err)
			continue
		}
		if last > j.highestWrittenTxID {
			j.highestWrittenTxID = last
		}
		j.Logger.Infof("journal %s: completed interrupted recovery %s", j.JournalID, rec)
	}
}

// Format initializes the journal for the given namespace, discarding any
// existing state. Mutation operations fail with NotFormatted until this has
// been run.
func (j *Journal) Format(nsInfo protocol.NamespaceInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if nsInfo.ClusterID == "" {
		return newError(protocol.ErrorIO, "refusing to format with empty cluster ID")
	}
	if j.cur != nil {
		j.cur.abort()
		j.cur = nil
	}
	if err := os.RemoveAll(j.currentDir); err != nil {
		return errors.Wrap(err, "failed to clear journal dir")
	}
	if err := os.MkdirAll(filepath.Join(j.currentDir, paxosDirName), 0755); err != nil {
		return errors.Wrap(err, "mkdir failed")
	}
	if err := writeVersionFile(filepath.Join(j.currentDir, versionFileName), nsInfo); err != nil {
		return err
	}
	j.nsInfo = &nsInfo
	j.lastPromisedEpoch = 0
	j.lastWriterEpoch = 0
	j.lastIPCSerial = 0
	j.highestWrittenTxID = 0
	j.metrics.lastPromisedEpoch.Set(0)
	j.Logger.Infof("journal %s: formatted for namespace %d (cluster %s)",
		j.JournalID, nsInfo.NamespaceID, nsInfo.ClusterID)
	return nil
}

// GetJournalState returns the last promised epoch and the advertised HTTP
// port. It has no side effects.
func (j *Journal) GetJournalState() (*protocol.GetJournalStateResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkFormatted(); err != nil {
		return nil, err
	}
	return &protocol.GetJournalStateResponse{
		LastPromisedEpoch: j.lastPromisedEpoch,
		HTTPPort:          j.HTTPPort,
	}, nil
}

// NewEpoch promises the proposed epoch, fencing off all earlier writers, and
// reports the start txid of the newest on-disk segment. The promise is made
// durable before the response is returned.
func (j *Journal) NewEpoch(nsInfo protocol.NamespaceInfo, epoch uint64) (*protocol.NewEpochResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkFormatted(); err != nil {
		return nil, err
	}
	if err := j.checkNamespace(nsInfo); err != nil {
		return nil, err
	}
	if epoch <= j.lastPromisedEpoch {
		return nil, newError(protocol.ErrorEpochTooLow,
			"proposed epoch %d <= last promised epoch %d", epoch, j.lastPromisedEpoch)
	}
	if err := j.updatePromisedEpoch(epoch); err != nil {
		return nil, err
	}
	if j.cur != nil {
		j.Logger.Warnf("journal %s: aborting open segment at txid %d for new epoch %d",
			j.JournalID, j.cur.startTxID, epoch)
		j.cur.abort()
		j.cur = nil
	}

	segments, err := listSegments(j.currentDir)
	if err != nil {
		return nil, err
	}
	resp := new(protocol.NewEpochResponse)
	if len(segments) > 0 {
		last := segments[len(segments)-1].StartTxID
		resp.LastSegmentTxID = &last
	}
	return resp, nil
}

// StartLogSegment allocates an empty in-progress segment at the given txid.
// A retry with identical parameters is idempotent; conflicting parameters
// fail.
func (j *Journal) StartLogSegment(reqInfo protocol.RequestInfo, txid uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkRequest(reqInfo); err != nil {
		return err
	}
	if txid == 0 {
		return newError(protocol.ErrorSegmentState, "segment start txid must be positive")
	}
	if j.cur != nil {
		if j.cur.startTxID == txid && j.lastWriterEpoch == reqInfo.Epoch {
			// Idempotent retry: the writer never got our ack. Restart the
			// segment from scratch; it will resend every edit.
			j.cur.abort()
			j.cur = nil
		} else {
			return newError(protocol.ErrorSegmentState,
				"already writing segment starting at txid %d; cannot start %d",
				j.cur.startTxID, txid)
		}
	}
	segments, err := listSegments(j.currentDir)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if !seg.InProgress && txid >= seg.StartTxID && txid <= seg.EndTxID {
			return newError(protocol.ErrorSegmentState,
				"txid %d is already part of finalized segment %s", txid, seg)
		}
	}

	cur, err := createSegment(j.currentDir, txid)
	if err != nil {
		return err
	}
	if err := j.updateWriterEpoch(reqInfo.Epoch); err != nil {
		cur.abort()
		return err
	}
	j.cur = cur
	return nil
}

// Journal appends a batch of framed transactions to the open segment. The
// batch is fsynced before the call returns.
func (j *Journal) Journal(reqInfo protocol.RequestInfo, firstTxID uint64, numTxns uint32, records []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkWriteRequest(reqInfo); err != nil {
		return err
	}
	if j.cur == nil {
		return newError(protocol.ErrorSegmentState, "no log segment open for writing")
	}
	if firstTxID != j.cur.nextTxID {
		return newError(protocol.ErrorOutOfSync,
			"can't write txid %d, next expected txid is %d", firstTxID, j.cur.nextTxID)
	}
	if numTxns == 0 {
		return newError(protocol.ErrorSegmentState, "empty edit batch")
	}
	first, last, count, ok := protocol.CountRecords(records)
	if !ok || first != firstTxID || count != int(numTxns) || last != firstTxID+uint64(numTxns)-1 {
		return newError(protocol.ErrorSegmentState,
			"edit batch does not match header [firstTxId=%d, numTxns=%d]", firstTxID, numTxns)
	}
	if err := j.cur.append(records, numTxns); err != nil {
		return err
	}
	j.highestWrittenTxID = last
	j.metrics.batchesWritten.Inc()
	j.metrics.txnsWritten.Add(float64(numTxns))
	j.metrics.bytesWritten.Add(float64(len(records)))
	return nil
}

// FinalizeLogSegment transitions the segment [startTxID, endTxID] to its
// immutable finalized form. It is idempotent if the matching finalized file
// already exists.
func (j *Journal) FinalizeLogSegment(reqInfo protocol.RequestInfo, startTxID, endTxID uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkWriteRequest(reqInfo); err != nil {
		return err
	}

	if j.cur != nil && j.cur.startTxID == startTxID {
		last, ok := j.cur.lastWrittenTxID()
		if !ok || last != endTxID {
			return newError(protocol.ErrorSegmentState,
				"segment starting at %d has last txid %d, cannot finalize at %d",
				startTxID, last, endTxID)
		}
		if err := j.cur.close(); err != nil {
			return err
		}
		path := j.cur.path
		j.cur = nil
		return j.renameFinalized(path, startTxID, endTxID)
	}

	finalized := filepath.Join(j.currentDir, protocol.SegmentFileName(startTxID, endTxID))
	if _, err := os.Stat(finalized); err == nil {
		return nil
	}

	inProgress := filepath.Join(j.currentDir, protocol.InProgressFileName(startTxID))
	if _, err := os.Stat(inProgress); err == nil {
		first, last, count, err := scanSegmentFile(inProgress)
		if err != nil {
			return err
		}
		if count == 0 || first != startTxID || last != endTxID {
			return newError(protocol.ErrorSegmentState,
				"on-disk segment starting at %d covers [%d-%d], cannot finalize at [%d-%d]",
				startTxID, first, last, startTxID, endTxID)
		}
		return j.renameFinalized(inProgress, startTxID, endTxID)
	}

	return newError(protocol.ErrorSegmentState, "no segment starting at txid %d", startTxID)
}

func (j *Journal) renameFinalized(from string, startTxID, endTxID uint64) error {
	to := filepath.Join(j.currentDir, protocol.SegmentFileName(startTxID, endTxID))
	if err := os.Rename(from, to); err != nil {
		return errors.Wrap(err, "failed to finalize segment")
	}
	if err := syncDir(j.currentDir); err != nil {
		return err
	}
	j.metrics.segmentsFinalized.Inc()
	j.Logger.Infof("journal %s: finalized segment %s",
		j.JournalID, protocol.SegmentFileName(startTxID, endTxID))
	return nil
}

// PrepareRecovery is the Paxos prepare phase for the segment starting at
// segmentTxID. A previously accepted recovery value, if any, takes precedence
// over the raw on-disk state.
func (j *Journal) PrepareRecovery(reqInfo protocol.RequestInfo, segmentTxID uint64) (*protocol.PrepareRecoveryResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkRequest(reqInfo); err != nil {
		return nil, err
	}

	resp := &protocol.PrepareRecoveryResponse{LastWriterEpoch: j.lastWriterEpoch}

	rec, err := loadPaxosData(j.currentDir, segmentTxID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		value := rec.Segment
		epoch := rec.AcceptedInEpoch
		resp.AcceptedValue = &value
		resp.AcceptedInEpoch = &epoch
	}

	segments, err := listSegments(j.currentDir)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if seg.StartTxID != segmentTxID {
			continue
		}
		if seg.InProgress {
			_, last, count, err := scanSegmentFile(filepath.Join(j.currentDir, seg.FileName()))
			if err != nil {
				return nil, err
			}
			if count == 0 {
				// An empty in-progress segment holds no transactions and is
				// not worth recovering.
				break
			}
			resp.Segment = &protocol.SegmentState{
				StartTxID:  segmentTxID,
				EndTxID:    last,
				InProgress: true,
			}
		} else {
			s := seg
			resp.Segment = &s
		}
		break
	}
	return resp, nil
}

// AcceptRecovery is the Paxos accept phase: fetch the definitive segment
// bytes from fromURL, durably record the acceptance, then atomically replace
// the local segment. The record is persisted before the rename so a crash in
// between is recoverable.
func (j *Journal) AcceptRecovery(reqInfo protocol.RequestInfo, seg protocol.SegmentState, fromURL string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkRequest(reqInfo); err != nil {
		return err
	}
	if seg.StartTxID == 0 || seg.EndTxID < seg.StartTxID {
		return newError(protocol.ErrorSegmentState, "invalid recovery segment %s", seg)
	}

	if j.cur != nil {
		j.cur.abort()
		j.cur = nil
	}

	rec := &persistedRecovery{
		AcceptedInEpoch: reqInfo.Epoch,
		Segment:         protocol.SegmentState{StartTxID: seg.StartTxID, EndTxID: seg.EndTxID},
		FromURL:         fromURL,
	}

	// If the matching finalized segment already exists the bytes are already
	// definitive; record the acceptance so the recovery-driven finalize still
	// goes through under this epoch.
	finalized := filepath.Join(j.currentDir, protocol.SegmentFileName(seg.StartTxID, seg.EndTxID))
	if _, err := os.Stat(finalized); err == nil {
		if err := persistPaxosData(j.currentDir, seg.StartTxID, rec); err != nil {
			return err
		}
		return j.updateWriterEpoch(reqInfo.Epoch)
	}

	body, err := j.fetchSegment(fromURL)
	if err != nil {
		return err
	}
	first, last, count, ok := protocol.CountRecords(body)
	if !ok || first != seg.StartTxID || last != seg.EndTxID {
		return newError(protocol.ErrorIO,
			"segment fetched from %s covers [%d-%d] (%d txns), expected %s",
			fromURL, first, last, count, seg)
	}

	dst := filepath.Join(j.currentDir, protocol.InProgressFileName(seg.StartTxID))
	tmp := dst + ".tmp"
	if err := writeFileSynced(tmp, body); err != nil {
		return err
	}
	if err := persistPaxosData(j.currentDir, seg.StartTxID, rec); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.Wrap(err, "failed to install recovered segment")
	}
	if err := syncDir(j.currentDir); err != nil {
		return err
	}
	if err := j.updateWriterEpoch(reqInfo.Epoch); err != nil {
		return err
	}
	if seg.EndTxID > j.highestWrittenTxID {
		j.highestWrittenTxID = seg.EndTxID
	}
	j.metrics.recoveriesAccepted.Inc()
	j.Logger.Infof("journal %s: accepted recovery value %s from %s in epoch %d",
		j.JournalID, seg, fromURL, reqInfo.Epoch)
	return nil
}

func (j *Journal) fetchSegment(fromURL string) ([]byte, error) {
	resp, err := j.FetchClient.Get(fromURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch segment from %s", fromURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newError(protocol.ErrorIO,
			"segment fetch from %s returned HTTP %d", fromURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read segment from %s", fromURL)
	}
	if len(data) < 4 {
		return nil, newError(protocol.ErrorIO, "segment fetched from %s is truncated", fromURL)
	}
	layout := int32(binary.BigEndian.Uint32(data[:4]))
	if layout != protocol.JournalLayoutVersion {
		return nil, newError(protocol.ErrorIO,
			"segment fetched from %s has layout version %d, expected %d",
			fromURL, layout, protocol.JournalLayoutVersion)
	}
	return data[4:], nil
}

// Close releases the open segment file handle, if any. On-disk state is left
// as is.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cur != nil {
		j.cur.abort()
		j.cur = nil
	}
	return nil
}

// LastPromisedEpoch returns the highest epoch this journal has promised.
// Every RPC response envelope is stamped with it.
func (j *Journal) LastPromisedEpoch() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastPromisedEpoch
}

// HighestWrittenTxID returns the highest txid durably written to any segment.
func (j *Journal) HighestWrittenTxID() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.highestWrittenTxID
}

// IsFormatted reports whether the journal has a namespace.
func (j *Journal) IsFormatted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nsInfo != nil
}

// ResolveSegmentFile maps a canonical segment file name to its path inside
// the journal dir. Names that do not parse are rejected, which also blocks
// path traversal.
func (j *Journal) ResolveSegmentFile(name string) (string, error) {
	if _, ok := parseSegmentName(name); !ok {
		return "", newError(protocol.ErrorIO, "invalid segment file name %q", name)
	}
	return filepath.Join(j.currentDir, name), nil
}

func (j *Journal) checkFormatted() error {
	if j.nsInfo == nil {
		return newError(protocol.ErrorNotFormatted, "journal %s is not formatted", j.JournalID)
	}
	return nil
}

func (j *Journal) checkNamespace(nsInfo protocol.NamespaceInfo) error {
	if !j.nsInfo.Equal(nsInfo) {
		return newError(protocol.ErrorNamespaceMismatch,
			"namespace mismatch: request has namespace %d (cluster %s), journal %s is formatted for namespace %d (cluster %s)",
			nsInfo.NamespaceID, nsInfo.ClusterID, j.JournalID, j.nsInfo.NamespaceID, j.nsInfo.ClusterID)
	}
	return nil
}

// checkRequest enforces the global epoch fence and the per-writer IPC serial
// order on every epoch-stamped request.
func (j *Journal) checkRequest(reqInfo protocol.RequestInfo) error {
	if err := j.checkFormatted(); err != nil {
		return err
	}
	if err := j.checkNamespace(reqInfo.NsInfo); err != nil {
		return err
	}
	if reqInfo.Epoch < j.lastPromisedEpoch {
		return newError(protocol.ErrorEpochTooLow,
			"epoch %d is less than the last promised epoch %d", reqInfo.Epoch, j.lastPromisedEpoch)
	}
	if reqInfo.Epoch > j.lastPromisedEpoch {
		return newError(protocol.ErrorEpochTooLow,
			"bad epoch %d: no epoch has been promised beyond %d", reqInfo.Epoch, j.lastPromisedEpoch)
	}
	if reqInfo.IPCSerial <= j.lastIPCSerial {
		return newError(protocol.ErrorOutOfSync,
			"IPC serial %d is not higher than the last seen serial %d", reqInfo.IPCSerial, j.lastIPCSerial)
	}
	j.lastIPCSerial = reqInfo.IPCSerial
	return nil
}

func (j *Journal) checkWriteRequest(reqInfo protocol.RequestInfo) error {
	if err := j.checkRequest(reqInfo); err != nil {
		return err
	}
	if reqInfo.Epoch != j.lastWriterEpoch {
		return newError(protocol.ErrorEpochMismatch,
			"epoch %d does not match the last writer epoch %d", reqInfo.Epoch, j.lastWriterEpoch)
	}
	return nil
}

func (j *Journal) updatePromisedEpoch(epoch uint64) error {
	if err := writeEpochFile(filepath.Join(j.currentDir, promisedEpochFileName), epoch); err != nil {
		return err
	}
	j.lastPromisedEpoch = epoch
	j.lastIPCSerial = 0
	j.metrics.lastPromisedEpoch.Set(float64(epoch))
	j.Logger.Infof("journal %s: promised epoch %d", j.JournalID, epoch)
	return nil
}

func (j *Journal) updateWriterEpoch(epoch uint64) error {
	if epoch == j.lastWriterEpoch {
		return nil
	}
	if err := writeEpochFile(filepath.Join(j.currentDir, writerEpochFileName), epoch); err != nil {
		return err
	}
	j.lastWriterEpoch = epoch
	return nil
}

// writeFileSynced writes data and fsyncs the file before closing it.
func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to sync file")
	}
	return errors.Wrap(f.Close(), "failed to close file")
}

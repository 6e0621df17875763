package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	atomic_file "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

const (
	currentDirName        = "current"
	versionFileName       = "VERSION"
	promisedEpochFileName = "last-promised-epoch"
	writerEpochFileName   = "last-writer-epoch"
	paxosDirName          = "paxos"
)

// syncDir fsyncs a directory so that renames and file creations within it are
// durable before a response is sent.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "failed to open dir for sync")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync dir")
	}
	return nil
}

// writeEpochFile durably persists an epoch as 8 big-endian bytes.
func writeEpochFile(path string, epoch uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	if err := atomic_file.WriteFile(path, bytes.NewReader(buf[:])); err != nil {
		return errors.Wrap(err, "failed to write epoch file")
	}
	return syncDir(filepath.Dir(path))
}

// readEpochFile loads an epoch file, returning 0 if it does not exist.
func readEpochFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read epoch file")
	}
	if len(data) != 8 {
		return 0, errors.Errorf("epoch file %s has %d bytes, expected 8", path, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// writeVersionFile persists the NamespaceInfo in its fixed text form.
func writeVersionFile(path string, nsInfo protocol.NamespaceInfo) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "#Quorum Journal VERSION\n")
	fmt.Fprintf(&b, "namespaceID=%d\n", nsInfo.NamespaceID)
	fmt.Fprintf(&b, "clusterID=%s\n", nsInfo.ClusterID)
	fmt.Fprintf(&b, "blockpoolID=%s\n", nsInfo.BlockPoolID)
	fmt.Fprintf(&b, "cTime=%d\n", nsInfo.CreationTime)
	fmt.Fprintf(&b, "layoutVersion=%d\n", nsInfo.LayoutVersion)
	if err := atomic_file.WriteFile(path, &b); err != nil {
		return errors.Wrap(err, "failed to write VERSION")
	}
	return syncDir(filepath.Dir(path))
}

// readVersionFile loads a persisted NamespaceInfo. It returns nil with no
// error if the file does not exist, meaning the journal is unformatted.
func readVersionFile(path string) (*protocol.NamespaceInfo, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open VERSION")
	}
	defer f.Close()

	nsInfo := new(protocol.NamespaceInfo)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("malformed VERSION line: %q", line)
		}
		switch key {
		case "namespaceID":
			nsInfo.NamespaceID, err = strconv.ParseUint(value, 10, 64)
		case "clusterID":
			nsInfo.ClusterID = value
		case "blockpoolID":
			nsInfo.BlockPoolID = value
		case "cTime":
			nsInfo.CreationTime, err = strconv.ParseInt(value, 10, 64)
		case "layoutVersion":
			var v int64
			v, err = strconv.ParseInt(value, 10, 32)
			nsInfo.LayoutVersion = int32(v)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "malformed VERSION line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read VERSION")
	}
	return nsInfo, nil
}

// parseSegmentName parses a canonical segment file name. For in-progress
// segments the end txid is unknown and left zero.
func parseSegmentName(name string) (protocol.SegmentState, bool) {
	if rest, ok := strings.CutPrefix(name, "edits_inprogress_"); ok {
		start, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return protocol.SegmentState{}, false
		}
		return protocol.SegmentState{StartTxID: start, InProgress: true}, true
	}
	if rest, ok := strings.CutPrefix(name, "edits_"); ok {
		startStr, endStr, ok := strings.Cut(rest, "-")
		if !ok {
			return protocol.SegmentState{}, false
		}
		start, err1 := strconv.ParseUint(startStr, 10, 64)
		end, err2 := strconv.ParseUint(endStr, 10, 64)
		if err1 != nil || err2 != nil {
			return protocol.SegmentState{}, false
		}
		return protocol.SegmentState{StartTxID: start, EndTxID: end}, true
	}
	return protocol.SegmentState{}, false
}

// listSegments returns all segments in the current dir ordered by start txid.
func listSegments(currentDir string) ([]protocol.SegmentState, error) {
	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read journal dir")
	}
	var segments []protocol.SegmentState
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if seg, ok := parseSegmentName(entry.Name()); ok {
			segments = append(segments, seg)
		}
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].StartTxID < segments[j].StartTxID
	})
	return segments, nil
}

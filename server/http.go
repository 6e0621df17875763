package server

import (
	"encoding/binary"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

// handleGetImage serves segment files to recovering peers and external
// readers: a 4-byte big-endian layout version followed by the raw segment
// bytes. Finalized files are immutable, so they are streamed without taking
// the journal mutex. Any failure to produce the named file is an HTTP 500.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	var (
		jid      = r.URL.Query().Get("jid")
		fileName = r.URL.Query().Get("filename")
	)
	j := s.getJournal(jid)
	if j == nil {
		http.Error(w, "no such journal", http.StatusInternalServerError)
		return
	}
	path, err := j.ResolveSegmentFile(fileName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(protocol.JournalLayoutVersion))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size()+int64(len(prefix)), 10))
	if _, err := w.Write(prefix[:]); err != nil {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warnf("journalnode %s: segment transfer of %s aborted: %v",
			s.config.ServerID, fileName, err)
	}
}

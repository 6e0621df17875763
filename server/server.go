// Package server implements the JournalNode process: the RPC surface over
// NATS, the per-jid journal registry, and the HTTP segment file server.
package server

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumjournal-io/quorumjournal/server/journal"
	"github.com/quorumjournal-io/quorumjournal/server/logger"
	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

const natsReadyTimeout = 10 * time.Second

// Server is a JournalNode. It hosts one Journal per journal identifier under
// its data directory and serves the quorum RPC surface plus segment files
// over HTTP.
type Server struct {
	config *Config
	logger logger.Logger

	mu         sync.RWMutex
	journals   map[string]*journal.Journal
	nc         *nats.Conn
	natsServer *natsd.Server
	subs       []*nats.Subscription
	httpServer *http.Server
	listener   net.Listener
	running    bool
}

// New creates a Server with the given configuration.
func New(config *Config) *Server {
	l := logger.NewLogger(config.LogLevel)
	if config.LogSilent {
		l.Silent(true)
	}
	return &Server{
		config:   config,
		logger:   l,
		journals: make(map[string]*journal.Journal),
	}
}

// Start brings up the HTTP file server, the NATS connection (embedding a
// server if configured), the RPC subscriptions, and any journals already on
// disk.
func (s *Server) Start() error {
	if s.config.ServerID == "" {
		return errors.New("server ID is empty")
	}
	if s.config.DataDir == "" {
		return errors.New("data dir is empty")
	}
	if err := os.MkdirAll(s.config.DataDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create data dir")
	}

	if err := s.startHTTPServer(); err != nil {
		return err
	}
	if err := s.startNATS(); err != nil {
		s.Stop()
		return err
	}
	if err := s.openExistingJournals(); err != nil {
		s.Stop()
		return err
	}
	if err := s.subscribeRPC(); err != nil {
		s.Stop()
		return err
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Infof("journalnode %s: serving RPCs on %s, segment files on %s",
		s.config.ServerID, strings.Join(s.config.NATSServers, ","), s.listener.Addr())
	return nil
}

func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf("%s:%d", s.config.HTTPHost, s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/getimage", s.handleGetImage)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("journalnode %s: HTTP server failed: %v", s.config.ServerID, err)
		}
	}()
	return nil
}

func (s *Server) startNATS() error {
	if s.config.EmbeddedNATS {
		opts := &natsd.Options{Host: "127.0.0.1", Port: natsd.DEFAULT_PORT}
		ns, err := natsd.NewServer(opts)
		if err != nil {
			return errors.Wrap(err, "failed to create embedded NATS server")
		}
		go ns.Start()
		if !ns.ReadyForConnections(natsReadyTimeout) {
			return errors.New("embedded NATS server did not become ready")
		}
		s.natsServer = ns
	}
	nc, err := nats.Connect(strings.Join(s.config.NATSServers, ","),
		nats.Name(fmt.Sprintf("journalnode-%s", s.config.ServerID)),
		nats.MaxReconnects(-1))
	if err != nil {
		return errors.Wrap(err, "failed to connect to NATS")
	}
	s.nc = nc
	return nil
}

// openExistingJournals loads every journal directory already present under
// the data dir so formatted journals answer immediately after a restart.
func (s *Server) openExistingJournals() error {
	entries, err := os.ReadDir(s.config.DataDir)
	if err != nil {
		return errors.Wrap(err, "failed to read data dir")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := s.getOrOpenJournal(entry.Name()); err != nil {
			return errors.Wrapf(err, "failed to open journal %s", entry.Name())
		}
	}
	return nil
}

func (s *Server) subscribeRPC() error {
	ops := []string{
		protocol.OpFormat,
		protocol.OpGetJournalState,
		protocol.OpNewEpoch,
		protocol.OpStartLogSegment,
		protocol.OpJournal,
		protocol.OpFinalizeLogSegment,
		protocol.OpPrepareRecovery,
		protocol.OpAcceptRecovery,
	}
	for _, op := range ops {
		subject := protocol.RPCSubject(s.config.Namespace, s.config.ServerID, op)
		sub, err := s.nc.Subscribe(subject, s.rpcHandler(op))
		if err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", subject)
		}
		s.subs = append(s.subs, sub)
	}
	return s.nc.Flush()
}

// HTTPPort returns the bound port of the segment file server. It differs
// from the configured port when an ephemeral port was requested.
func (s *Server) HTTPPort() int {
	if s.listener == nil {
		return s.config.HTTPPort
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// getOrOpenJournal returns the journal for the jid, opening its directory on
// first use.
func (s *Server) getOrOpenJournal(jid string) (*journal.Journal, error) {
	if jid == "" || strings.ContainsAny(jid, "/\\.") {
		return nil, errors.Errorf("invalid journal identifier %q", jid)
	}
	s.mu.RLock()
	j, ok := s.journals[jid]
	s.mu.RUnlock()
	if ok {
		return j, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.journals[jid]; ok {
		return j, nil
	}
	j, err := journal.Open(journal.Options{
		Dir:          filepath.Join(s.config.DataDir, jid),
		JournalID:    jid,
		HTTPPort:     s.HTTPPort(),
		Logger:       s.logger,
		FetchTimeout: s.config.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.journals[jid] = j
	return j, nil
}

// getJournal returns the journal only if it is already open.
func (s *Server) getJournal(jid string) *journal.Journal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journals[jid]
}

// Stop shuts down the RPC subscriptions, journals, HTTP server, and NATS.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running && s.nc == nil && s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	if s.httpServer != nil {
		s.httpServer.Close()
		s.httpServer = nil
		s.listener = nil
	}
	s.mu.Lock()
	for _, j := range s.journals {
		j.Close()
	}
	s.journals = make(map[string]*journal.Journal)
	s.mu.Unlock()
	if s.natsServer != nil {
		s.natsServer.Shutdown()
		s.natsServer = nil
	}
	return nil
}

package client

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/logger"
	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

const (
	defaultRPCTimeout     = 10 * time.Second
	defaultQueueSizeLimit = 10 * humanize.MiByte
)

// PeerConfig addresses one JournalNode: its server ID on the RPC namespace
// and the host its segment file server is reachable on.
type PeerConfig struct {
	ID       string
	HTTPHost string
}

// Config contains settings for a QuorumJournalManager.
type Config struct {
	JournalID      string
	NsInfo         protocol.NamespaceInfo
	Peers          []PeerConfig
	Namespace      string        // NATS subject namespace, defaults to protocol.DefaultNamespace
	RPCTimeout     time.Duration // Per-RPC deadline
	QueueSizeLimit int64         // Max bytes of sendEdits queued per peer before failing fast
	Logger         logger.Logger
}

func (c *Config) setDefaults() error {
	if c.JournalID == "" {
		return errors.New("journal ID is empty")
	}
	if len(c.Peers) == 0 {
		return errors.New("no journal node peers configured")
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, peer := range c.Peers {
		if peer.ID == "" || peer.HTTPHost == "" {
			return errors.Errorf("peer %+v is missing an ID or HTTP host", peer)
		}
		if _, ok := seen[peer.ID]; ok {
			return errors.Errorf("duplicate peer ID %s", peer.ID)
		}
		seen[peer.ID] = struct{}{}
	}
	if c.Namespace == "" {
		c.Namespace = protocol.DefaultNamespace
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.QueueSizeLimit == 0 {
		c.QueueSizeLimit = defaultQueueSizeLimit
	}
	if c.Logger == nil {
		c.Logger = logger.NewLogger(0)
		c.Logger.Silent(true)
	}
	return nil
}

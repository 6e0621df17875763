package client

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

const taskQueueDepth = 1024

// AsyncLogger is the writer's view of one JournalNode. Mutating calls to a
// peer are serialized FIFO; read-only calls bypass the write queue. Each
// method returns a Deferred completing with the peer's response or a typed
// failure.
type AsyncLogger interface {
	// PeerID returns the stable identifier of the peer.
	PeerID() string

	// SetEpoch sets the epoch stamped on every subsequent mutating request.
	SetEpoch(epoch uint64)

	// Format initializes the journal on the peer for the given namespace.
	Format(nsInfo protocol.NamespaceInfo) *Deferred[Void]

	// GetJournalState fetches the peer's promised epoch and HTTP port.
	GetJournalState() *Deferred[*protocol.GetJournalStateResponse]

	// NewEpoch proposes a new writer epoch to the peer.
	NewEpoch(nsInfo protocol.NamespaceInfo, epoch uint64) *Deferred[*protocol.NewEpochResponse]

	// StartLogSegment opens a new segment at the given txid.
	StartLogSegment(txid uint64) *Deferred[Void]

	// SendEdits ships one framed edit batch. Fails fast with ErrTooManyQueued
	// once the queued-bytes bound is exceeded.
	SendEdits(firstTxID uint64, numTxns uint32, records []byte) *Deferred[Void]

	// FinalizeLogSegment transitions [startTxID, endTxID] to finalized form.
	FinalizeLogSegment(startTxID, endTxID uint64) *Deferred[Void]

	// PrepareRecovery runs the Paxos prepare phase for a segment.
	PrepareRecovery(segmentTxID uint64) *Deferred[*protocol.PrepareRecoveryResponse]

	// AcceptRecovery directs the peer to adopt the given recovery value,
	// fetching the bytes from fromURL.
	AcceptRecovery(seg protocol.SegmentState, fromURL string) *Deferred[Void]

	// FetchURL builds the URL peers use to fetch the named segment file from
	// this peer. The HTTP port must have been learned via GetJournalState.
	FetchURL(fileName string) (string, error)

	// Close stops the logger. In-flight calls may be abandoned.
	Close()
}

// failer lets the task queue fail a Deferred without knowing its type.
type failer interface {
	Fail(err error)
}

// loggerChannel is the NATS-backed AsyncLogger. A single worker goroutine
// drains the task queue, giving all mutating RPCs to the peer a total order.
type loggerChannel struct {
	cfg  *Config
	conn *nats.Conn
	peer PeerConfig

	mu          sync.Mutex
	epoch       uint64
	ipcSerial   uint64
	httpPort    int
	queuedBytes int64
	outOfSync   bool

	tasks     chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

func newLoggerChannel(conn *nats.Conn, cfg *Config, peer PeerConfig) *loggerChannel {
	c := &loggerChannel{
		cfg:    cfg,
		conn:   conn,
		peer:   peer,
		tasks:  make(chan func(), taskQueueDepth),
		closed: make(chan struct{}),
	}
	go c.worker()
	return c
}

func (c *loggerChannel) worker() {
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.closed:
			return
		}
	}
}

func (c *loggerChannel) submit(d failer, task func()) {
	select {
	case <-c.closed:
		d.Fail(errors.Errorf("logger for peer %s is closed", c.peer.ID))
		return
	default:
	}
	select {
	case c.tasks <- task:
	case <-c.closed:
		d.Fail(errors.Errorf("logger for peer %s is closed", c.peer.ID))
	}
}

func (c *loggerChannel) PeerID() string { return c.peer.ID }

func (c *loggerChannel) SetEpoch(epoch uint64) {
	c.mu.Lock()
	c.epoch = epoch
	c.outOfSync = false
	c.mu.Unlock()
}

func (c *loggerChannel) nextReqInfo() protocol.RequestInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipcSerial++
	return protocol.RequestInfo{
		JournalID: c.cfg.JournalID,
		NsInfo:    c.cfg.NsInfo,
		Epoch:     c.epoch,
		IPCSerial: c.ipcSerial,
	}
}

// rpc performs one request/reply exchange and applies the fencing check
// every response is subject to.
func (c *loggerChannel) rpc(op string, req interface{}, body interface{}) error {
	data, err := protocol.MarshalRequest(req)
	if err != nil {
		return err
	}
	subject := protocol.RPCSubject(c.cfg.Namespace, c.peer.ID, op)
	msg, err := c.conn.Request(subject, data, c.cfg.RPCTimeout)
	if err == nats.ErrTimeout {
		return errors.Wrapf(ErrTimeout, "%s to %s", op, c.peer.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "%s to %s failed", op, c.peer.ID)
	}
	env, err := protocol.UnmarshalEnvelope(msg.Data, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	fenced := c.epoch > 0 && env.LastPromisedEpoch > c.epoch
	if fenced {
		c.outOfSync = true
	}
	c.mu.Unlock()

	if env.Error != nil {
		return env.Error
	}
	if fenced {
		return errors.Wrapf(ErrFenced, "peer %s promised epoch %d", c.peer.ID, env.LastPromisedEpoch)
	}
	return nil
}

func (c *loggerChannel) Format(nsInfo protocol.NamespaceInfo) *Deferred[Void] {
	d := NewDeferred[Void]()
	c.submit(d, func() {
		req := protocol.FormatRequest{JournalID: c.cfg.JournalID, NsInfo: nsInfo}
		completeVoid(d, c.rpc(protocol.OpFormat, req, nil))
	})
	return d
}

func (c *loggerChannel) GetJournalState() *Deferred[*protocol.GetJournalStateResponse] {
	d := NewDeferred[*protocol.GetJournalStateResponse]()
	go func() {
		resp := new(protocol.GetJournalStateResponse)
		req := protocol.GetJournalStateRequest{JournalID: c.cfg.JournalID}
		if err := c.rpc(protocol.OpGetJournalState, req, resp); err != nil {
			d.Fail(err)
			return
		}
		c.mu.Lock()
		c.httpPort = resp.HTTPPort
		c.mu.Unlock()
		d.Complete(resp)
	}()
	return d
}

func (c *loggerChannel) NewEpoch(nsInfo protocol.NamespaceInfo, epoch uint64) *Deferred[*protocol.NewEpochResponse] {
	d := NewDeferred[*protocol.NewEpochResponse]()
	c.submit(d, func() {
		resp := new(protocol.NewEpochResponse)
		req := protocol.NewEpochRequest{JournalID: c.cfg.JournalID, NsInfo: nsInfo, Epoch: epoch}
		if err := c.rpc(protocol.OpNewEpoch, req, resp); err != nil {
			d.Fail(err)
			return
		}
		d.Complete(resp)
	})
	return d
}

func (c *loggerChannel) StartLogSegment(txid uint64) *Deferred[Void] {
	d := NewDeferred[Void]()
	c.submit(d, func() {
		req := protocol.StartLogSegmentRequest{ReqInfo: c.nextReqInfo(), TxID: txid}
		completeVoid(d, c.rpc(protocol.OpStartLogSegment, req, nil))
	})
	return d
}

func (c *loggerChannel) SendEdits(firstTxID uint64, numTxns uint32, records []byte) *Deferred[Void] {
	d := NewDeferred[Void]()
	size := int64(len(records))

	c.mu.Lock()
	if c.outOfSync {
		c.mu.Unlock()
		d.Fail(errors.Wrapf(ErrFenced, "peer %s", c.peer.ID))
		return d
	}
	if c.queuedBytes+size > c.cfg.QueueSizeLimit {
		queued := c.queuedBytes
		c.mu.Unlock()
		d.Fail(errors.Wrapf(ErrTooManyQueued,
			"%s already queued to %s", humanize.IBytes(uint64(queued)), c.peer.ID))
		return d
	}
	c.queuedBytes += size
	c.mu.Unlock()

	c.submit(deferredWithRelease{d: d, c: c, size: size}, func() {
		defer c.release(size)
		req := protocol.JournalRequest{
			ReqInfo:   c.nextReqInfo(),
			FirstTxID: firstTxID,
			NumTxns:   numTxns,
			Records:   records,
		}
		completeVoid(d, c.rpc(protocol.OpJournal, req, nil))
	})
	return d
}

func (c *loggerChannel) release(size int64) {
	c.mu.Lock()
	c.queuedBytes -= size
	c.mu.Unlock()
}

// deferredWithRelease returns queued bytes if the task never runs.
type deferredWithRelease struct {
	d    *Deferred[Void]
	c    *loggerChannel
	size int64
}

func (r deferredWithRelease) Fail(err error) {
	r.c.release(r.size)
	r.d.Fail(err)
}

func (c *loggerChannel) FinalizeLogSegment(startTxID, endTxID uint64) *Deferred[Void] {
	d := NewDeferred[Void]()
	c.submit(d, func() {
		req := protocol.FinalizeLogSegmentRequest{
			ReqInfo:   c.nextReqInfo(),
			StartTxID: startTxID,
			EndTxID:   endTxID,
		}
		completeVoid(d, c.rpc(protocol.OpFinalizeLogSegment, req, nil))
	})
	return d
}

func (c *loggerChannel) PrepareRecovery(segmentTxID uint64) *Deferred[*protocol.PrepareRecoveryResponse] {
	d := NewDeferred[*protocol.PrepareRecoveryResponse]()
	go func() {
		resp := new(protocol.PrepareRecoveryResponse)
		req := protocol.PrepareRecoveryRequest{ReqInfo: c.nextReqInfo(), SegmentTxID: segmentTxID}
		if err := c.rpc(protocol.OpPrepareRecovery, req, resp); err != nil {
			d.Fail(err)
			return
		}
		d.Complete(resp)
	}()
	return d
}

func (c *loggerChannel) AcceptRecovery(seg protocol.SegmentState, fromURL string) *Deferred[Void] {
	d := NewDeferred[Void]()
	c.submit(d, func() {
		req := protocol.AcceptRecoveryRequest{
			ReqInfo: c.nextReqInfo(),
			Segment: seg,
			FromURL: fromURL,
		}
		completeVoid(d, c.rpc(protocol.OpAcceptRecovery, req, nil))
	})
	return d
}

func (c *loggerChannel) FetchURL(fileName string) (string, error) {
	c.mu.Lock()
	port := c.httpPort
	c.mu.Unlock()
	if port == 0 {
		return "", errors.Errorf("HTTP port of peer %s is not known yet", c.peer.ID)
	}
	return fmt.Sprintf("http://%s:%d/getimage?jid=%s&filename=%s",
		c.peer.HTTPHost, port, url.QueryEscape(c.cfg.JournalID), url.QueryEscape(fileName)), nil
}

func (c *loggerChannel) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func completeVoid(d *Deferred[Void], err error) {
	if err != nil {
		d.Fail(err)
		return
	}
	d.Complete(Void{})
}

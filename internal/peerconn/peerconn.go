// Package peerconn implements the per-peer handshake and message-loop
// state machine (C8): one TCP connection, two cooperating goroutines (a
// sender on a fixed tick and a receiver reading framed messages), joined
// by "first to finish or fail wins".
package peerconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/juju/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/cenkalti/rain-leech/internal/bitfield"
	"github.com/cenkalti/rain-leech/internal/peerwire"
	"github.com/cenkalti/rain-leech/internal/scheduler"
	"github.com/cenkalti/rain-leech/internal/sha1util"
	"github.com/cenkalti/rain-leech/logger"
)

// State is a PeerConnection's position in its lifecycle.
type State int

// Lifecycle states, per the state machine in §4.6.1: Uninitiated ->
// Connecting -> Connected -> Running, with TimedOut/Disconnected as the
// two ways out.
const (
	Uninitiated State = iota
	Connecting
	Connected
	Running
	Disconnected
	TimedOut
)

func (s State) String() string {
	switch s {
	case Uninitiated:
		return "uninitiated"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Running:
		return "running"
	case Disconnected:
		return "disconnected"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

const (
	connectTimeout   = 12 * time.Second
	handshakeTimeout = 12 * time.Second
	sendTimeout      = 10 * time.Second
	receiveTimeout   = 20 * time.Second

	requestInterval = 100 * time.Millisecond

	initialRetries = 3

	// defaultMaxBlocksInFlight and defaultMaxBlocksPerRequest are the §5.5
	// values used when a caller passes a zero-value Config, matching the
	// spec's MAX_BLOCKS_IN_FLIGHT/MAX_BLOCKS_PER_REQUEST constants.
	defaultMaxBlocksInFlight   = 10
	defaultMaxBlocksPerRequest = 5
)

// Config carries the per-connection tunables sourced from the process
// config (rainleech.Config's MaxBlocksInFlight/MaxBlocksPerRequest), so an
// operator can adjust in-flight request pressure without recompiling.
type Config struct {
	MaxBlocksInFlight   int
	MaxBlocksPerRequest int
}

func (c Config) withDefaults() Config {
	if c.MaxBlocksInFlight <= 0 {
		c.MaxBlocksInFlight = defaultMaxBlocksInFlight
	}
	if c.MaxBlocksPerRequest <= 0 {
		c.MaxBlocksPerRequest = defaultMaxBlocksPerRequest
	}
	return c
}

// Scheduler is the subset of *scheduler.Scheduler a peer connection needs.
// Declared as an interface so tests can substitute a fake.
type Scheduler interface {
	PieceCount() int
	AddPeerBitfield(b *bitfield.Bitfield)
	RemovePeerBitfield(b *bitfield.Bitfield)
	AddAvailablePiece(i uint32)
	RequestNextBlock(peerBitfield *bitfield.Bitfield) (scheduler.BlockRequest, bool)
	Endgame() bool
	EndgameBlocks(peerBitfield *bitfield.Bitfield) []scheduler.BlockRequest
	CancelCursor() int
	DrainCancels(cursor int) ([]scheduler.BlockRequest, int)
	ReceiveBlock(pieceIndex uint32, data []byte, offset uint32)
}

type pendingRequest struct {
	length      uint32
	requestedAt time.Time
}

// Conn is a single peer connection and its protocol state.
type Conn struct {
	addr     *net.TCPAddr
	infoHash sha1util.Digest
	ourID    [20]byte
	peerID   [20]byte

	scheduler Scheduler
	log       logger.Logger
	cfg       Config

	readBucket, writeBucket *ratelimit.Bucket

	conn net.Conn
	r    *bufio.Reader

	state State

	amChoking, amInterested     bool
	peerChoking, peerInterested bool

	bitfield         bitfield.Bitfield
	bitfieldReceived bool

	pending map[uint64]pendingRequest

	// cancelCursor tracks how far into the scheduler's endgame cancel log
	// this connection has already drained, so it only cancels requests it
	// hasn't already withdrawn.
	cancelCursor int

	// RetriesLeft is decremented by the peer manager's reconnect loop; a
	// peer connection never touches it itself.
	RetriesLeft int
}

// New returns a peer connection in the Uninitiated state. addr is the
// remote peer's dialable address; infoHash/ourID identify us in the
// handshake. readBucket/writeBucket may be nil to disable rate limiting.
func New(addr *net.TCPAddr, infoHash sha1util.Digest, ourID [20]byte, sched Scheduler, log logger.Logger, readBucket, writeBucket *ratelimit.Bucket, cfg Config) *Conn {
	return &Conn{
		addr:        addr,
		infoHash:    infoHash,
		ourID:       ourID,
		scheduler:   sched,
		log:         log,
		cfg:         cfg.withDefaults(),
		readBucket:  readBucket,
		writeBucket: writeBucket,
		state:       Uninitiated,
		amChoking:   true,
		peerChoking: true,
		bitfield:     bitfield.New(uint32(sched.PieceCount())),
		pending:      make(map[uint64]pendingRequest),
		cancelCursor: sched.CancelCursor(),
		RetriesLeft:  initialRetries,
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return c.state }

// Disconnect forces State to Disconnected. Used by the peer manager to
// reap a connection it has given up retrying.
func (c *Conn) Disconnect() { c.state = Disconnected }

// Addr returns the remote endpoint this connection dials.
func (c *Conn) Addr() *net.TCPAddr { return c.addr }

// PeerID returns the remote peer's handshake id. Only valid once State is
// Connected or later.
func (c *Conn) PeerID() [20]byte { return c.peerID }

// Connect dials the peer and performs the handshake. On return, State is
// Connected, TimedOut (recoverable, drives reconnect-with-backoff), or
// Disconnected (terminal, e.g. on an info_hash mismatch).
func (c *Conn) Connect(ctx context.Context) error {
	c.state = Connecting

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", c.addr.String())
	if err != nil {
		c.state = TimedOut
		return fmt.Errorf("peerconn: connect: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		if _, ok := err.(peerwire.ErrHandshakeMismatch); ok {
			c.state = Disconnected
		} else {
			c.state = TimedOut
		}
		return err
	}

	c.conn = conn
	c.r = bufio.NewReaderSize(conn, 4+1+12)
	c.state = Connected
	return nil
}

func (c *Conn) handshake(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	if err := peerwire.WriteHandshake(conn, [20]byte(c.infoHash), c.ourID); err != nil {
		return err
	}
	hf, err := peerwire.ReadHandshake(conn)
	if err != nil {
		return err
	}
	if hf.InfoHash != [20]byte(c.infoHash) {
		return peerwire.ErrHandshakeMismatch{Reason: "info_hash mismatch"}
	}
	// peer_id is logged but not enforced: BEP 3 tolerates a mismatch in
	// trackerless scenarios, and many clients don't echo the id a
	// tracker handed out.
	c.peerID = hf.PeerID
	c.log.Debugf("peer %s: handshake peer id %q", c.addr, hf.PeerID[:])
	return conn.SetDeadline(time.Time{})
}

// Run starts the sender and receiver tasks and blocks until either
// finishes, by error or by ctx being cancelled. Whichever side ends first
// cancels the other and the socket is closed before Run returns. If the
// peer's bitfield had been folded into the scheduler's availability
// counters, it is unfolded here on the way out, regardless of how Run
// exits.
func (c *Conn) Run(ctx context.Context) error {
	c.state = Running
	defer c.teardown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receiveLoop(gctx) })
	g.Go(func() error { return c.sendLoop(gctx) })
	g.Go(func() error {
		// Closing the socket unblocks a receiver stuck in a read.
		<-gctx.Done()
		c.conn.Close()
		return nil
	})

	err := g.Wait()
	c.conn.Close()
	if err != nil && ctx.Err() == nil {
		c.state = TimedOut
	} else {
		c.state = Disconnected
	}
	return err
}

func (c *Conn) teardown() {
	if c.bitfieldReceived {
		c.scheduler.RemovePeerBitfield(&c.bitfield)
		c.bitfieldReceived = false
	}
}

func (c *Conn) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(requestInterval)
	defer ticker.Stop()

	// Announce our (possibly all-zero) bitfield right after the
	// handshake, per BEP 3 convention.
	if err := c.writeWithDeadline(func() error { return peerwire.WriteBitfield(c.conn, c.bitfield.Bytes()) }); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.sendTick(); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) sendTick() error {
	if err := c.updateInterest(); err != nil {
		return err
	}
	if c.peerChoking {
		return nil
	}

	c.pruneTimedOutRequests()
	if err := c.sendCancels(); err != nil {
		return err
	}

	reqs := c.nextRequests()
	if len(reqs) == 0 {
		return nil
	}
	c.throttleWrite(17 * len(reqs))
	if err := c.writeWithDeadline(func() error { return peerwire.WriteRequests(c.conn, reqs) }); err != nil {
		return err
	}
	now := time.Now()
	for _, r := range reqs {
		c.pending[requestKey(r.Index, r.Begin)] = pendingRequest{length: r.Length, requestedAt: now}
	}
	return nil
}

// updateInterest toggles am_interested to match whether the scheduler
// currently has anything requestable from this peer, sending the
// corresponding wire message on a transition.
func (c *Conn) updateInterest() error {
	want := len(c.pending) > 0
	if !want {
		if _, ok := c.scheduler.RequestNextBlock(&c.bitfield); ok {
			want = true
		}
	}
	switch {
	case want && !c.amInterested:
		c.amInterested = true
		return c.writeWithDeadline(func() error { return peerwire.WriteInterested(c.conn) })
	case !want && c.amInterested:
		c.amInterested = false
		return c.writeWithDeadline(func() error { return peerwire.WriteNotInterested(c.conn) })
	}
	return nil
}

func (c *Conn) nextRequests() []peerwire.RequestMessage {
	budget := c.cfg.MaxBlocksInFlight - len(c.pending)
	if budget <= 0 {
		return nil
	}
	if budget > c.cfg.MaxBlocksPerRequest {
		budget = c.cfg.MaxBlocksPerRequest
	}
	var reqs []peerwire.RequestMessage
	for i := 0; i < budget; i++ {
		br, ok := c.scheduler.RequestNextBlock(&c.bitfield)
		if !ok {
			break
		}
		reqs = append(reqs, peerwire.RequestMessage{Index: br.PieceIndex, Begin: br.Offset, Length: br.Length})
	}
	if len(reqs) < budget && c.scheduler.Endgame() {
		reqs = append(reqs, c.endgameRequests(budget-len(reqs))...)
	}
	return reqs
}

// endgameRequests fills any leftover budget with blocks already assigned
// to another peer, per §9's endgame open question: once few pieces remain,
// the same outstanding block is offered to every unchoked holder, and
// sendCancels withdraws the duplicate once one copy arrives.
func (c *Conn) endgameRequests(budget int) []peerwire.RequestMessage {
	var reqs []peerwire.RequestMessage
	for _, br := range c.scheduler.EndgameBlocks(&c.bitfield) {
		if len(reqs) >= budget {
			break
		}
		if _, already := c.pending[requestKey(br.PieceIndex, br.Offset)]; already {
			continue
		}
		reqs = append(reqs, peerwire.RequestMessage{Index: br.PieceIndex, Begin: br.Offset, Length: br.Length})
	}
	return reqs
}

// sendCancels withdraws any of this connection's outstanding requests that
// another connection has already satisfied while in endgame mode.
func (c *Conn) sendCancels() error {
	events, next := c.scheduler.DrainCancels(c.cancelCursor)
	c.cancelCursor = next
	for _, br := range events {
		key := requestKey(br.PieceIndex, br.Offset)
		if _, ok := c.pending[key]; !ok {
			continue
		}
		delete(c.pending, key)
		msg := peerwire.CancelMessage{Index: br.PieceIndex, Begin: br.Offset, Length: br.Length}
		if err := c.writeWithDeadline(func() error { return peerwire.WriteCancel(c.conn, msg) }); err != nil {
			return err
		}
	}
	return nil
}

// pruneTimedOutRequests drops stale in-flight entries so the per-peer
// budget frees up; the scheduler naturally re-offers the underlying block
// because Piece tracks its own per-block request time independently.
func (c *Conn) pruneTimedOutRequests() {
	cutoff := time.Now().Add(-receiveTimeout)
	for k, pr := range c.pending {
		if pr.requestedAt.Before(cutoff) {
			delete(c.pending, k)
		}
	}
}

func (c *Conn) writeWithDeadline(fn func() error) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	return fn()
}

// throttleRead blocks until readBucket would allow n more bytes, used
// around the one sizeable incoming transfer on this connection: piece
// block payloads. Small fixed-size control messages are not metered.
func (c *Conn) throttleRead(n int) {
	if c.readBucket != nil {
		time.Sleep(c.readBucket.Take(int64(n)))
	}
}

func (c *Conn) throttleWrite(n int) {
	if c.writeBucket != nil {
		time.Sleep(c.writeBucket.Take(int64(n)))
	}
}

func requestKey(index, begin uint32) uint64 {
	return uint64(index)<<32 | uint64(begin)
}

func (c *Conn) receiveLoop(ctx context.Context) error {
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(receiveTimeout)); err != nil {
			return err
		}
		hdr, err := peerwire.ReadFrameHeader(c.r)
		if err == peerwire.ErrKeepAlive {
			continue
		}
		if err != nil {
			return err
		}
		if err := c.dispatch(hdr, first); err != nil {
			return err
		}
		if hdr.ID < 9 {
			first = false
		}
	}
}

func (c *Conn) dispatch(hdr peerwire.FrameHeader, first bool) error {
	switch hdr.ID {
	case peerwire.Choke:
		c.peerChoking = true
	case peerwire.Unchoke:
		c.peerChoking = false
	case peerwire.Interested:
		c.peerInterested = true
	case peerwire.NotInterested:
		c.peerInterested = false
	case peerwire.Have:
		hm, err := peerwire.DecodeHave(c.r)
		if err != nil {
			return err
		}
		if hm.Index < c.bitfield.Len() {
			c.bitfield.Set(hm.Index)
			c.scheduler.AddAvailablePiece(hm.Index)
		}
	case peerwire.Bitfield:
		if !first {
			return fmt.Errorf("peerconn: bitfield sent after first message")
		}
		data := make([]byte, hdr.Length-1)
		if err := readFull(c.r, data); err != nil {
			return err
		}
		bf, err := bitfield.FromWire(data, c.bitfield.Len())
		if err != nil {
			var padErr bitfield.ErrPadding
			if !errors.As(err, &padErr) {
				return fmt.Errorf("peerconn: bitfield: %w", err)
			}
			// Dirty padding bits are tolerated, just masked off.
			bf.MaskPadding()
		}
		c.bitfield = bf
		c.scheduler.AddPeerBitfield(&c.bitfield)
		c.bitfieldReceived = true
	case peerwire.Request, peerwire.Cancel, peerwire.Port:
		return c.discard(hdr.Length - 1)
	case peerwire.Piece:
		return c.receivePiece(hdr.Length - 1)
	default:
		return c.discard(hdr.Length - 1)
	}
	return nil
}

func (c *Conn) receivePiece(payloadLen uint32) error {
	pm, err := peerwire.DecodePieceHeader(c.r)
	if err != nil {
		return err
	}
	blockLen := payloadLen - 8
	if blockLen > peerwire.MaxBlockLength {
		return fmt.Errorf("peerconn: piece block too large: %d", blockLen)
	}
	c.throttleRead(int(blockLen))
	buf := make([]byte, blockLen)
	if err := readFull(c.r, buf); err != nil {
		return err
	}
	delete(c.pending, requestKey(pm.Index, pm.Begin))
	c.scheduler.ReceiveBlock(pm.Index, buf, pm.Begin)
	return nil
}

func (c *Conn) discard(n uint32) error {
	return readFull(c.r, make([]byte, n))
}

func readFull(r *bufio.Reader, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

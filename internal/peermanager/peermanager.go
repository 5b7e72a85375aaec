// Package peermanager owns the set of live peer connections for one
// torrent download (C9): it dials new endpoints, runs each connection's
// I/O loop on its own goroutine, and reconnects peers that time out with
// exponential backoff, up to a retry limit.
package peermanager

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/juju/ratelimit"

	"github.com/cenkalti/rain-leech/internal/peerconn"
	"github.com/cenkalti/rain-leech/internal/peermanager/peerids"
	"github.com/cenkalti/rain-leech/internal/sha1util"
	"github.com/cenkalti/rain-leech/internal/tracker"
	"github.com/cenkalti/rain-leech/logger"
)

const (
	defaultCleanupInterval = 10 * time.Second
	defaultMaxRetries      = 3

	backoffInitialMin = 1 * time.Second
	backoffInitialMax = 5 * time.Second
)

// Config carries the per-manager tunables sourced from the process config
// (rainleech.Config's PeerCleanupInterval/MaxRetries/MaxBlocksInFlight/
// MaxBlocksPerRequest); the latter two are threaded straight through to
// every peerconn.Conn this manager spawns.
type Config struct {
	CleanupInterval     time.Duration
	MaxRetries          int
	MaxBlocksInFlight   int
	MaxBlocksPerRequest int
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

func (c Config) connConfig() peerconn.Config {
	return peerconn.Config{MaxBlocksInFlight: c.MaxBlocksInFlight, MaxBlocksPerRequest: c.MaxBlocksPerRequest}
}

// Scheduler is the subset of *scheduler.Scheduler a peer connection needs.
// It is an alias of peerconn.Scheduler, so callers of New can name it
// without importing peerconn.
type Scheduler = peerconn.Scheduler

type peerState struct {
	conn         *peerconn.Conn
	cancel       context.CancelFunc
	reconnecting bool
}

// Manager maintains the map<PeerEndpoint, (PeerConnection, reconnecting)>
// and the periodic cleanup/reconnect task that keeps it converging on
// "every known endpoint either running or retired". Completion polling is
// not done here.
type Manager struct {
	mu    sync.Mutex
	peers map[tracker.PeerEndpoint]*peerState

	infoHash sha1util.Digest
	ourID    [20]byte
	sched    Scheduler
	log      logger.Logger
	cfg      Config

	readBucket, writeBucket *ratelimit.Bucket
	peerIDs                 *peerids.PeerIDs

	io   sync.WaitGroup // peer I/O executor
	util sync.WaitGroup // cleanup/reconnect executor

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Manager for one torrent download. readBucket/writeBucket
// may be nil to disable rate limiting; they are shared across every peer
// connection the manager spawns.
func New(infoHash sha1util.Digest, ourID [20]byte, sched Scheduler, log logger.Logger, readBucket, writeBucket *ratelimit.Bucket, cfg Config) *Manager {
	return &Manager{
		peers:       make(map[tracker.PeerEndpoint]*peerState),
		infoHash:    infoHash,
		ourID:       ourID,
		sched:       sched,
		log:         log,
		cfg:         cfg.withDefaults(),
		readBucket:  readBucket,
		writeBucket: writeBucket,
		peerIDs:     peerids.New(),
	}
}

// Start launches the utility executor's cleanup task. Peer I/O tasks are
// spawned lazily as endpoints are added via AddPeers.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.util.Add(1)
	go m.cleanupLoop()
}

// AddPeers inserts any endpoint not already tracked and spawns its
// connect-then-run task on the peer I/O executor.
func (m *Manager) AddPeers(endpoints []tracker.PeerEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range endpoints {
		if _, ok := m.peers[ep]; ok {
			continue
		}
		ps := &peerState{}
		m.peers[ep] = ps
		m.spawn(ep, ps, m.cfg.MaxRetries)
	}
}

// Count returns the number of endpoints currently tracked, regardless of
// state (a rough proxy for "connected peers" good enough for stats).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Stop cancels every peer task and the cleanup task, then waits for both
// executors to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.io.Wait()
	m.util.Wait()
}

// spawn starts ps's connect+run task on the I/O executor. Must be called
// with m.mu held.
func (m *Manager) spawn(ep tracker.PeerEndpoint, ps *peerState, retriesLeft int) {
	ctx, cancel := context.WithCancel(m.ctx)
	ps.cancel = cancel

	addr := &net.TCPAddr{IP: net.IP(ep.IP[:]), Port: int(ep.Port)}
	conn := peerconn.New(addr, m.infoHash, m.ourID, m.sched, m.log, m.readBucket, m.writeBucket, m.cfg.connConfig())
	conn.RetriesLeft = retriesLeft
	ps.conn = conn

	m.io.Add(1)
	go m.runPeer(ctx, ep, ps, conn)
}

// runPeer dials and handshakes conn, then hands it to runConnected. Used
// for a peer's first connection attempt, spawned by spawn().
func (m *Manager) runPeer(ctx context.Context, ep tracker.PeerEndpoint, ps *peerState, conn *peerconn.Conn) {
	defer m.io.Done()

	if err := conn.Connect(ctx); err != nil {
		m.log.Infof("peer %s: connect failed: %s", ep, err)
		return
	}
	m.runConnected(ctx, ep, ps, conn)
}

// runConnected drives an already-connected conn's message loop: peer id
// dedup, then Run(). Called directly by reconnect(), which has already
// performed its own Connect() and must not redial the same conn.
func (m *Manager) runConnected(ctx context.Context, ep tracker.PeerEndpoint, ps *peerState, conn *peerconn.Conn) {
	if !m.peerIDs.Add(conn.PeerID()) {
		m.log.Debugf("peer %s: duplicate peer id, dropping", ep)
		ps.cancel()
		return
	}
	defer m.peerIDs.Remove(conn.PeerID())

	if err := conn.Run(ctx); err != nil {
		m.log.Debugf("peer %s: run ended: %s", ep, err)
	}
}

// runConnectedTask is runConnected wrapped for use as a fresh I/O executor
// goroutine (matching the m.io.Add(1) the caller made before spawning it).
func (m *Manager) runConnectedTask(ctx context.Context, ep tracker.PeerEndpoint, ps *peerState, conn *peerconn.Conn) {
	defer m.io.Done()
	m.runConnected(ctx, ep, ps, conn)
}

// cleanupLoop is the utility executor's periodic scan: reap disconnected
// peers, and kick off a bounded-retry reconnect loop for any peer that
// timed out and isn't already being retried.
func (m *Manager) cleanupLoop() {
	defer m.util.Done()
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.cleanupOnce()
		}
	}
}

func (m *Manager) cleanupOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ep, ps := range m.peers {
		switch ps.conn.State() {
		case peerconn.Disconnected:
			delete(m.peers, ep)
		case peerconn.TimedOut:
			if !ps.reconnecting {
				ps.reconnecting = true
				m.util.Add(1)
				go m.reconnect(ep, ps)
			}
		}
	}
}

// reconnect retries connect() with exponential backoff (initial 1-5s
// random, doubling) up to Config.MaxRetries. On success it hands the
// already-connected conn straight to runConnected on the I/O executor
// (connect() must not be called on it again); on exhaustion it forces the
// peer to Disconnected so the next cleanup pass reaps it.
func (m *Manager) reconnect(ep tracker.PeerEndpoint, ps *peerState) {
	defer m.util.Done()

	maxRetries := m.cfg.MaxRetries
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitialMin + time.Duration(rand.Int63n(int64(backoffInitialMax-backoffInitialMin)))
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	attempts := 0
	for attempts < maxRetries {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
		attempts++

		addr := &net.TCPAddr{IP: net.IP(ep.IP[:]), Port: int(ep.Port)}
		conn := peerconn.New(addr, m.infoHash, m.ourID, m.sched, m.log, m.readBucket, m.writeBucket, m.cfg.connConfig())
		conn.RetriesLeft = maxRetries - attempts

		if err := conn.Connect(m.ctx); err != nil {
			m.log.Debugf("peer %s: reconnect attempt %d failed: %s", ep, attempts, err)
			continue
		}

		m.mu.Lock()
		ps.conn = conn
		ps.reconnecting = false
		m.mu.Unlock()

		m.io.Add(1)
		go m.runConnectedTask(m.ctx, ep, ps, conn)
		return
	}

	m.mu.Lock()
	ps.conn.Disconnect()
	ps.reconnecting = false
	m.mu.Unlock()
	m.log.Infof("peer %s: giving up after %d retries", ep, maxRetries)
}

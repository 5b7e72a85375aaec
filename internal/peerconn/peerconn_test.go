package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/cenkalti/rain-leech/internal/bitfield"
	"github.com/cenkalti/rain-leech/internal/peerwire"
	"github.com/cenkalti/rain-leech/internal/scheduler"
	"github.com/cenkalti/rain-leech/internal/sha1util"
	"github.com/cenkalti/rain-leech/logger"
)

type fakeScheduler struct {
	pieceCount int
	addedBF    int
	removedBF  int
}

func (f *fakeScheduler) PieceCount() int                          { return f.pieceCount }
func (f *fakeScheduler) AddPeerBitfield(b *bitfield.Bitfield)      { f.addedBF++ }
func (f *fakeScheduler) RemovePeerBitfield(b *bitfield.Bitfield)   { f.removedBF++ }
func (f *fakeScheduler) AddAvailablePiece(i uint32)                {}
func (f *fakeScheduler) RequestNextBlock(b *bitfield.Bitfield) (scheduler.BlockRequest, bool) {
	return scheduler.BlockRequest{}, false
}
func (f *fakeScheduler) Endgame() bool                                              { return false }
func (f *fakeScheduler) EndgameBlocks(b *bitfield.Bitfield) []scheduler.BlockRequest { return nil }
func (f *fakeScheduler) CancelCursor() int                                          { return 0 }
func (f *fakeScheduler) DrainCancels(cursor int) ([]scheduler.BlockRequest, int)    { return nil, cursor }
func (f *fakeScheduler) ReceiveBlock(pieceIndex uint32, data []byte, offset uint32)  {}

type endgameFakeScheduler struct {
	fakeScheduler
	endgame       bool
	endgameBlocks []scheduler.BlockRequest
	cancels       []scheduler.BlockRequest
	cancelCursor  int
}

func (f *endgameFakeScheduler) Endgame() bool { return f.endgame }
func (f *endgameFakeScheduler) EndgameBlocks(b *bitfield.Bitfield) []scheduler.BlockRequest {
	return f.endgameBlocks
}
func (f *endgameFakeScheduler) CancelCursor() int { return f.cancelCursor }
func (f *endgameFakeScheduler) DrainCancels(cursor int) ([]scheduler.BlockRequest, int) {
	if cursor >= len(f.cancels) {
		return nil, cursor
	}
	return f.cancels[cursor:], len(f.cancels)
}

func TestEndgameRequestsFillLeftoverBudgetSkippingPending(t *testing.T) {
	sched := &endgameFakeScheduler{
		fakeScheduler: fakeScheduler{pieceCount: 2},
		endgame:       true,
		endgameBlocks: []scheduler.BlockRequest{
			{PieceIndex: 0, Offset: 0, Length: 16384},
			{PieceIndex: 0, Offset: 16384, Length: 16384},
			{PieceIndex: 1, Offset: 0, Length: 16384},
		},
	}
	var ourID [20]byte
	c := New(&net.TCPAddr{}, sha1util.Digest{}, ourID, sched, logger.New("test"), nil, nil, Config{MaxBlocksInFlight: 10, MaxBlocksPerRequest: 5})
	c.pending[requestKey(0, 0)] = pendingRequest{}

	reqs := c.endgameRequests(2)
	if len(reqs) != 2 {
		t.Fatalf("len(reqs) = %d, want 2", len(reqs))
	}
	for _, r := range reqs {
		if r.Index == 0 && r.Begin == 0 {
			t.Fatal("endgameRequests re-offered a block already pending on this connection")
		}
	}
}

func TestSendCancelsWithdrawsSatisfiedPendingRequestsOnly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()
	serverConn := <-accepted
	defer serverConn.Close()

	sched := &endgameFakeScheduler{
		fakeScheduler: fakeScheduler{pieceCount: 2},
		cancels: []scheduler.BlockRequest{
			{PieceIndex: 0, Offset: 0, Length: 16384},
			{PieceIndex: 1, Offset: 0, Length: 16384}, // never requested on this connection
		},
	}
	var ourID [20]byte
	c := New(&net.TCPAddr{}, sha1util.Digest{}, ourID, sched, logger.New("test"), nil, nil, Config{MaxBlocksInFlight: 10, MaxBlocksPerRequest: 5})
	c.conn = clientConn
	c.pending[requestKey(0, 0)] = pendingRequest{length: 16384, requestedAt: time.Now()}

	if err := c.sendCancels(); err != nil {
		t.Fatalf("sendCancels: %s", err)
	}
	if _, still := c.pending[requestKey(0, 0)]; still {
		t.Fatal("expected the satisfied request to be withdrawn from pending")
	}
	if c.cancelCursor != 2 {
		t.Fatalf("cancelCursor = %d, want 2", c.cancelCursor)
	}

	hdr, err := peerwire.ReadFrameHeader(serverConn)
	if err != nil {
		t.Fatalf("reading cancel frame: %s", err)
	}
	if hdr.ID != peerwire.Cancel {
		t.Fatalf("frame id = %v, want cancel", hdr.ID)
	}
}

func TestConnectAndHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var ih, remoteID [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(remoteID[:], "-RL0001-remotepeerid")

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		hf, err := peerwire.ReadHandshake(conn)
		if err != nil {
			serverDone <- err
			return
		}
		if hf.InfoHash != ih {
			serverDone <- nil
			return
		}
		serverDone <- peerwire.WriteHandshake(conn, ih, remoteID)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	sched := &fakeScheduler{pieceCount: 4}
	var ourID [20]byte
	copy(ourID[:], "-RL0001-localpeerid0")

	c := New(addr, sha1util.Digest(ih), ourID, sched, logger.New("test"), nil, nil, Config{MaxBlocksInFlight: 10, MaxBlocksPerRequest: 5})
	if c.State() != Uninitiated {
		t.Fatalf("initial state = %v", c.State())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %s", err)
	}
	if c.State() != Connected {
		t.Fatalf("state after connect = %v", c.State())
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server side failed: %s", err)
	}
	if c.peerID != remoteID {
		t.Fatalf("peerID = %v, want %v", c.peerID, remoteID)
	}
}

func TestConnectRejectsInfoHashMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var ih, wrongIH, remoteID [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(wrongIH[:], "bbbbbbbbbbbbbbbbbbbb")

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := peerwire.ReadHandshake(conn); err != nil {
			return
		}
		_ = peerwire.WriteHandshake(conn, wrongIH, remoteID)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	sched := &fakeScheduler{pieceCount: 4}
	var ourID [20]byte

	c := New(addr, sha1util.Digest(ih), ourID, sched, logger.New("test"), nil, nil, Config{MaxBlocksInFlight: 10, MaxBlocksPerRequest: 5})
	err = c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected handshake mismatch error")
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
}

func TestRunRemovesBitfieldOnTeardown(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var ih, remoteID [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")

	serverReady := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := peerwire.ReadHandshake(conn); err != nil {
			return
		}
		_ = peerwire.WriteHandshake(conn, ih, remoteID)
		serverReady <- conn
	}()

	addr := ln.Addr().(*net.TCPAddr)
	sched := &fakeScheduler{pieceCount: 4}
	var ourID [20]byte

	c := New(addr, sha1util.Digest(ih), ourID, sched, logger.New("test"), nil, nil, Config{MaxBlocksInFlight: 10, MaxBlocksPerRequest: 5})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := <-serverReady
	defer conn.Close()

	// Run sends our bitfield first, so drain it concurrently with Run and
	// send a 4-bit all-zero bitfield back so Run's receiver folds it into
	// the scheduler before we cancel.
	serverErr := make(chan error, 1)
	go func() {
		if _, err := peerwire.ReadFrameHeader(conn); err != nil {
			serverErr <- err
			return
		}
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		serverErr <- peerwire.WriteBitfield(conn, []byte{0x00})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)
	if err := <-serverErr; err != nil {
		t.Fatal(err)
	}

	if sched.addedBF == 0 {
		t.Fatal("expected AddPeerBitfield to have been called")
	}
	if sched.removedBF == 0 {
		t.Fatal("expected RemovePeerBitfield to have been called on teardown")
	}
}

func TestRunFailsPeerOnMismatchedBitfieldLengthWithoutPanicking(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var ih, remoteID [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")

	serverReady := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := peerwire.ReadHandshake(conn); err != nil {
			return
		}
		_ = peerwire.WriteHandshake(conn, ih, remoteID)
		serverReady <- conn
	}()

	addr := ln.Addr().(*net.TCPAddr)
	sched := &fakeScheduler{pieceCount: 4} // 4 pieces packs into 1 byte
	var ourID [20]byte

	c := New(addr, sha1util.Digest(ih), ourID, sched, logger.New("test"), nil, nil, Config{MaxBlocksInFlight: 10, MaxBlocksPerRequest: 5})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := <-serverReady
	defer conn.Close()

	// Run sends our bitfield first, so drain it concurrently with Run.
	serverErr := make(chan error, 1)
	go func() {
		if _, err := peerwire.ReadFrameHeader(conn); err != nil {
			serverErr <- err
			return
		}
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		// Send a 2-byte bitfield payload when 4 pieces only needs 1 byte.
		serverErr <- peerwire.WriteBitfield(conn, []byte{0x00, 0x00})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatal("expected Run to fail this connection on a mismatched bitfield length")
	}
	if err := <-serverErr; err != nil {
		t.Fatal(err)
	}
}

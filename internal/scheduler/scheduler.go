// Package scheduler implements rarest-first piece selection, per-block
// request accounting, hash verification on piece completion, and file
// writeback. It is the single serialization point between many concurrent
// peer connections and the torrent's on-disk state.
package scheduler

import (
	"crypto/sha1" //nolint:gosec // BitTorrent piece hashes are SHA-1 by protocol, not a security boundary
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/rain-leech/internal/bitfield"
	"github.com/cenkalti/rain-leech/internal/blockpool"
	"github.com/cenkalti/rain-leech/internal/filewriter"
	"github.com/cenkalti/rain-leech/logger"
)

// Config carries the fixed parameters a Scheduler needs at construction;
// everything here is derived once from the torrent's metadata and never
// changes for the life of the download.
type Config struct {
	PieceLength       int64
	TotalLength       int64
	PieceHashes       []byte // 20 bytes per piece, concatenated
	MaxActiveRequests int
	RequestTimeout    time.Duration
	// EndgameThreshold is the pieces_left count at or below which
	// outstanding blocks are broadcast to every unchoked holder instead
	// of one peer at a time. Zero disables endgame mode.
	EndgameThreshold int
}

// BlockRequest is a (piece, offset, length) tuple a peer connection should
// turn into a wire `request` message.
type BlockRequest struct {
	PieceIndex uint32
	Offset     uint32
	Length     uint32
}

// Scheduler is the piece/block scheduler (C7). All exported methods are
// safe for concurrent use by many peer connection goroutines; critical
// sections are short and never held across I/O: the write-through of a
// verified piece happens after the lock is released.
type Scheduler struct {
	mu sync.Mutex

	pieceLength int64
	totalLength int64
	pieceCount  int
	pieceHashes []byte

	completed   []bool
	availability []uint16
	sorted      []uint32
	dirty       bool

	active    map[uint32]*piece
	maxActive int
	requestTimeout time.Duration

	dataPool *blockpool.Pool
	vecPool  *blockpool.IntVecPool

	writer *filewriter.Writer
	log    logger.Logger

	piecesLeft      atomic.Int64
	downloadedBytes atomic.Int64
	done            atomic.Bool

	endgameThreshold int

	// cancelLog is an append-only record of blocks satisfied while in
	// endgame mode, so peer connections can withdraw their own duplicate
	// outstanding requests for the same block with a `cancel` message
	// instead of waiting for the receiver to discard the redundant piece
	// message. Entries are only appended; the log is never trimmed.
	cancelLog []BlockRequest
}

// New builds a Scheduler for a torrent of the given shape. writer receives
// verified piece data; cfg.MaxActiveRequests bounds how many pieces can be
// in flight at once, which in turn bounds the backing pools' sizes.
func New(cfg Config, writer *filewriter.Writer, log logger.Logger) *Scheduler {
	pieceCount := int((cfg.TotalLength + cfg.PieceLength - 1) / cfg.PieceLength)
	sorted := make([]uint32, pieceCount)
	for i := range sorted {
		sorted[i] = uint32(i)
	}
	blocksPerPiece := int((cfg.PieceLength + BlockSize - 1) / BlockSize)
	s := &Scheduler{
		pieceLength:      cfg.PieceLength,
		totalLength:      cfg.TotalLength,
		pieceCount:       pieceCount,
		pieceHashes:      cfg.PieceHashes,
		completed:        make([]bool, pieceCount),
		availability:     make([]uint16, pieceCount),
		sorted:           sorted,
		active:           make(map[uint32]*piece, cfg.MaxActiveRequests),
		maxActive:        cfg.MaxActiveRequests,
		requestTimeout:   cfg.RequestTimeout,
		dataPool:         blockpool.New(int(cfg.PieceLength), cfg.MaxActiveRequests),
		vecPool:          blockpool.NewIntVecPool(blocksPerPiece, 2*cfg.MaxActiveRequests),
		writer:           writer,
		log:              log,
		endgameThreshold: cfg.EndgameThreshold,
	}
	s.piecesLeft.Store(int64(pieceCount))
	return s
}

// PieceCount returns the total number of pieces in the torrent.
func (s *Scheduler) PieceCount() int { return s.pieceCount }

// PiecesLeft is a lock-free snapshot of the number of pieces not yet
// verified, safe to poll from the orchestrator outside the scheduler lock.
func (s *Scheduler) PiecesLeft() int64 { return s.piecesLeft.Load() }

// DownloadedBytes is a lock-free snapshot of the exact number of bytes
// belonging to verified, written pieces — the sum in §8's invariant
// `sum over i of (piece_completed[i] ? piece_length_of(i) : 0)`, not an
// interpolation from the piece count.
func (s *Scheduler) DownloadedBytes() int64 { return s.downloadedBytes.Load() }

// Done reports whether every piece has been verified and written.
func (s *Scheduler) Done() bool { return s.done.Load() }

// Endgame reports whether the scheduler has dropped below its configured
// threshold and is broadcasting outstanding blocks to every holder.
func (s *Scheduler) Endgame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inEndgame()
}

func (s *Scheduler) inEndgame() bool {
	return s.endgameThreshold > 0 && int(s.piecesLeft.Load()) <= s.endgameThreshold
}

// AddPeerBitfield increments availability for every piece set in b. Called
// once, right after a peer's bitfield (or a synthesized all-zero bitfield)
// is received.
func (s *Scheduler) AddPeerBitfield(b *bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Iterate(func(i uint32) bool {
		s.availability[i]++
		return true
	})
	s.dirty = true
}

// RemovePeerBitfield undoes AddPeerBitfield, called when a peer connection
// tears down after having contributed its bitfield. After a matching
// Add/Remove pair, piece_availability is bitwise unchanged.
func (s *Scheduler) RemovePeerBitfield(b *bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Iterate(func(i uint32) bool {
		if s.availability[i] > 0 {
			s.availability[i]--
		}
		return true
	})
	s.dirty = true
}

// AddAvailablePiece records a `have` message for piece i with an
// incremental sort repair: if sorted_pieces is clean, swap i into place
// among pieces of equal availability instead of a full resort.
func (s *Scheduler) AddAvailablePiece(i uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		avail := s.availability[i]
		lastEqual := sort.Search(len(s.sorted), func(k int) bool {
			return s.availability[s.sorted[k]] > avail
		}) - 1
		pos := lastEqual
		for pos > 0 && s.sorted[pos] != i {
			pos--
		}
		s.sorted[pos], s.sorted[lastEqual] = s.sorted[lastEqual], s.sorted[pos]
	}
	s.availability[i]++
}

// RequestNextBlock walks sorted_pieces low-availability-first and returns
// the next block to request from a peer advertising peerBitfield, or
// ok=false if nothing is currently requestable from this peer (everything
// either completed, not held by the peer, or at the active-piece cap).
func (s *Scheduler) RequestNextBlock(peerBitfield *bitfield.Bitfield) (req BlockRequest, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.piecesLeft.Load() == 0 {
		return BlockRequest{}, false
	}
	s.resortIfDirty()

	now := time.Now()
	for _, idx := range s.sorted {
		if s.completed[idx] || !peerBitfield.Test(idx) {
			continue
		}
		p, exists := s.active[idx]
		if !exists {
			if len(s.active) >= s.maxActive {
				continue
			}
			p = s.newActivePiece(idx)
			s.active[idx] = p
		}
		offset, length, got := p.requestNextBlock(now)
		if !got {
			continue
		}
		return BlockRequest{PieceIndex: idx, Offset: offset, Length: length}, true
	}
	return BlockRequest{}, false
}

// EndgameBlocks returns every outstanding block of every active piece that
// peerBitfield holds, ignoring per-block request timeouts, for broadcast
// to all unchoked peers once the scheduler has entered endgame mode.
func (s *Scheduler) EndgameBlocks(peerBitfield *bitfield.Bitfield) []BlockRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inEndgame() {
		return nil
	}
	var out []BlockRequest
	for idx, p := range s.active {
		if !peerBitfield.Test(idx) {
			continue
		}
		for _, span := range p.remainingBlocks() {
			out = append(out, BlockRequest{PieceIndex: idx, Offset: span.Offset, Length: span.Length})
		}
	}
	return out
}

// CancelCursor is the opaque starting point for a fresh peer connection's
// call to DrainCancels: "nothing satisfied yet, from my point of view".
func (s *Scheduler) CancelCursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancelLog)
}

// DrainCancels returns every block satisfied since cursor (by any peer)
// while in endgame mode, along with the cursor to pass next time. A peer
// connection uses this to withdraw its own duplicate outstanding requests
// for blocks another connection already delivered.
func (s *Scheduler) DrainCancels(cursor int) ([]BlockRequest, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor >= len(s.cancelLog) {
		return nil, cursor
	}
	out := append([]BlockRequest(nil), s.cancelLog[cursor:]...)
	return out, len(s.cancelLog)
}

func (s *Scheduler) resortIfDirty() {
	if !s.dirty {
		return
	}
	sort.Slice(s.sorted, func(i, j int) bool {
		return s.availability[s.sorted[i]] < s.availability[s.sorted[j]]
	})
	s.dirty = false
}

func (s *Scheduler) pieceSize(idx uint32) uint32 {
	if int(idx) == s.pieceCount-1 {
		rem := s.totalLength - int64(idx)*s.pieceLength
		return uint32(rem)
	}
	return uint32(s.pieceLength)
}

func (s *Scheduler) newActivePiece(idx uint32) *piece {
	dataHandle, data := s.dataPool.Get()
	vecHandleA, vecA := s.vecPool.Get()
	vecHandleB, vecB := s.vecPool.Get()
	return newPiece(s.pieceSize(idx), data, dataHandle, vecA, vecB, vecHandleA, vecHandleB, s.requestTimeout)
}

func (s *Scheduler) releaseActivePiece(p *piece) {
	s.dataPool.Put(p.dataHandle)
	s.vecPool.Put(p.vecHandleA)
	s.vecPool.Put(p.vecHandleB)
}

// ReceiveBlock delivers a piece message's payload into the owning active
// piece. If the piece becomes complete it is hash-verified, written
// through the file writer on a match, and removed from the active set
// either way.
func (s *Scheduler) ReceiveBlock(pieceIndex uint32, data []byte, offset uint32) {
	s.mu.Lock()
	p, exists := s.active[pieceIndex]
	if !exists {
		s.mu.Unlock()
		return
	}
	fresh := p.receiveBlock(data, offset)
	if fresh && s.inEndgame() {
		s.cancelLog = append(s.cancelLog, BlockRequest{PieceIndex: pieceIndex, Offset: offset, Length: uint32(len(data))})
	}
	if !p.isComplete() {
		s.mu.Unlock()
		return
	}

	delete(s.active, pieceIndex)
	buf := append([]byte(nil), p.data...) // snapshot before the pool slot is reused
	s.releaseActivePiece(p)

	sum := sha1.Sum(buf) //nolint:gosec
	want := s.pieceHashes[int(pieceIndex)*20 : int(pieceIndex)*20+20]
	match := hashEqual(sum[:], want)
	s.mu.Unlock()

	if !match {
		s.log.Warningf("piece %d hash mismatch, discarding", pieceIndex)
		return
	}

	if err := s.writer.WriteAt(buf, int64(pieceIndex)*s.pieceLength); err != nil {
		s.log.Errorf("writing piece %d: %s", pieceIndex, err)
		return
	}

	s.mu.Lock()
	s.completed[pieceIndex] = true
	s.mu.Unlock()

	s.downloadedBytes.Add(int64(len(buf)))
	if left := s.piecesLeft.Add(-1); left == 0 {
		s.done.Store(true)
	}
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

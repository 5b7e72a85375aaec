package scheduler

import (
	"time"
)

// BlockSize is the fixed block length used for every request except the
// final block of the final piece.
const BlockSize = 16 * 1024

// piece tracks the in-flight download of one piece: its data buffer and a
// partition-by-swap structure over block indices that separates "not yet
// received" from "received" in O(1) per transition.
//
// remaining[0:blocksLeft] holds the indices of blocks not yet received;
// posInRemaining[i] gives block i's current slot in remaining. A block is
// received iff posInRemaining[i] >= blocksLeft.
type piece struct {
	size          uint32
	blocksCount   int
	blocksLeft    int
	data          []byte
	requestedAt   []time.Time
	remaining     []int32
	posInRemain   []int32
	dataHandle    int32
	vecHandleA    int32
	vecHandleB    int32
	requestTimeout time.Duration
}

func newPiece(size uint32, data []byte, dataHandle int32, remaining, posInRemain []int32, vecHandleA, vecHandleB int32, requestTimeout time.Duration) *piece {
	blocksCount := int((uint64(size) + BlockSize - 1) / BlockSize)
	p := &piece{
		size:           size,
		blocksCount:    blocksCount,
		blocksLeft:     blocksCount,
		data:           data[:size],
		requestedAt:    make([]time.Time, blocksCount),
		remaining:      remaining[:blocksCount],
		posInRemain:    posInRemain[:blocksCount],
		dataHandle:     dataHandle,
		vecHandleA:     vecHandleA,
		vecHandleB:     vecHandleB,
		requestTimeout: requestTimeout,
	}
	for i := 0; i < blocksCount; i++ {
		p.remaining[i] = int32(i)
		p.posInRemain[i] = int32(i)
	}
	return p
}

func blockIndex(offset uint32) int { return int(offset / BlockSize) }

func (p *piece) blockOffset(i int) uint32 { return uint32(i) * BlockSize }

func (p *piece) blockLength(i int) uint32 {
	if i == p.blocksCount-1 {
		return p.size - p.blockOffset(i)
	}
	return BlockSize
}

func (p *piece) isBlockReceived(i int) bool {
	return int(p.posInRemain[i]) >= p.blocksLeft
}

func (p *piece) isComplete() bool { return p.blocksLeft == 0 }

// receiveBlock copies data into the piece at offset and marks the owning
// block received. Ignored silently if the block was already received, per
// the partition invariant. Returns whether this call was the one that
// transitioned the block from unreceived to received, so a caller can
// distinguish a fresh arrival from a redundant endgame duplicate.
func (p *piece) receiveBlock(data []byte, offset uint32) bool {
	i := blockIndex(offset)
	if i < 0 || i >= p.blocksCount || p.isBlockReceived(i) {
		return false
	}
	copy(p.data[offset:], data)

	last := p.blocksLeft - 1
	swapped := p.remaining[last]
	pi, pl := p.posInRemain[i], p.posInRemain[swapped]
	p.remaining[pi], p.remaining[pl] = p.remaining[pl], p.remaining[pi]
	p.posInRemain[i], p.posInRemain[swapped] = p.posInRemain[swapped], p.posInRemain[i]
	p.blocksLeft--
	return true
}

// requestNextBlock scans the unreceived prefix of remaining for a block
// whose last request is older than requestTimeout (or never requested) and
// returns its (offset, length), marking it requested now. Returns ok=false
// if every unreceived block was requested too recently.
func (p *piece) requestNextBlock(now time.Time) (offset, length uint32, ok bool) {
	for _, idx := range p.remaining[:p.blocksLeft] {
		i := int(idx)
		if now.Sub(p.requestedAt[i]) < p.requestTimeout {
			continue
		}
		p.requestedAt[i] = now
		return p.blockOffset(i), p.blockLength(i), true
	}
	return 0, 0, false
}

// remainingBlocks returns (offset, length) for every block not yet
// received, ignoring request timeouts. Used by endgame mode to broadcast
// outstanding blocks to every unchoked holder.
func (p *piece) remainingBlocks() []blockSpan {
	spans := make([]blockSpan, p.blocksLeft)
	for n, idx := range p.remaining[:p.blocksLeft] {
		i := int(idx)
		spans[n] = blockSpan{Offset: p.blockOffset(i), Length: p.blockLength(i)}
	}
	return spans
}

type blockSpan struct {
	Offset, Length uint32
}

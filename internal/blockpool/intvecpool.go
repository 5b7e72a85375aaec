package blockpool

// IntVecPool hands out fixed-length []int32 slices from a preallocated
// backing array, the same way Pool hands out byte blocks. A Piece needs
// two such vectors (remaining_blocks, position_in_remaining); both are
// drawn from a pool sized to max_active_requests so their allocation
// never grows the heap once the scheduler is running.
type IntVecPool struct {
	vecLen int
	slab   []int32
	free   []int32
}

// NewIntVecPool returns a pool of vecCount vectors of vecLen int32s each.
func NewIntVecPool(vecLen, vecCount int) *IntVecPool {
	free := make([]int32, vecCount)
	for i := range free {
		free[i] = int32(vecCount - 1 - i)
	}
	return &IntVecPool{
		vecLen: vecLen,
		slab:   make([]int32, vecLen*vecCount),
		free:   free,
	}
}

// Cap returns the total number of vectors in the pool.
func (p *IntVecPool) Cap() int {
	return len(p.slab) / p.vecLen
}

// Get returns a handle and a vector of vecLen int32s.
func (p *IntVecPool) Get() (handle int32, vec []int32) {
	if len(p.free) == 0 {
		panic("blockpool: int vector pool exhausted")
	}
	handle = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	start := int(handle) * p.vecLen
	vec = p.slab[start : start+p.vecLen]
	return handle, vec
}

// Put returns a vector to the pool by its handle.
func (p *IntVecPool) Put(handle int32) {
	p.free = append(p.free, handle)
}

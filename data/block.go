package data

import "github.com/kocubinski/blockpool/iostore"

// residence is the state machine a ByteBlock moves through: it is in
// exactly one of these states at any time.
type residence int

const (
	ramPinned residence = iota
	ramUnpinned
	writing
	swapped
	reading
	destroyed
)

func (r residence) String() string {
	switch r {
	case ramPinned:
		return "ram-pinned"
	case ramUnpinned:
		return "ram-unpinned"
	case writing:
		return "writing"
	case swapped:
		return "swapped"
	case reading:
		return "reading"
	case destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ByteBlock is a contiguous buffer of bytes of a fixed size chosen at
// allocation. Identity is by address (the *ByteBlock pointer); it is never
// copied. All fields are mutated only while BlockPool's mutex is held.
type ByteBlock struct {
	data      []byte
	size      uint64
	residence residence

	handle    iostore.Handle
	hasHandle bool
	dirty     bool

	// per-worker pin counts for this specific block — distinct from
	// BlockPool's pool-wide pincount.PinCount aggregate, which tracks
	// totals across every block for accounting and watermarks. This one
	// answers only "is this particular block eligible for eviction right
	// now".
	pinCounts []int
	totalPins int

	// liveRefs counts every outstanding Block/PinnedBlock handle. It
	// reaches zero exactly when the last reference disappears, which is
	// when the block is destroyed.
	liveRefs int

	// pendingDestroy is set when liveRefs hits zero while an eviction
	// write or pin-in read is still outstanding; the actual destroy is
	// deferred to the matching OnWriteComplete/OnReadComplete callback.
	pendingDestroy bool
}

// Size returns the block's fixed size in bytes.
func (b *ByteBlock) Size() uint64 { return b.size }

// Block is a weak, residence-agnostic logical reference to a ByteBlock. It
// does not prevent eviction and does not carry a pin; converting it to a
// PinnedBlock (via Pin) may require a disk read and therefore returns a
// Future. Holding a Block does keep the ByteBlock itself alive (it counts
// toward liveRefs) even though it carries no pin.
type Block struct {
	pool *BlockPool
	b    *ByteBlock
}

// Pin converts this Block into a pinned handle, reading the block back from
// disk if necessary. See BlockPool.PinBlock.
func (blk Block) Pin(workerID int) *Future {
	return blk.pool.PinBlock(blk, workerID)
}

// Close drops this weak reference. If it was the last reference to the
// underlying ByteBlock, the block is destroyed.
func (blk Block) Close() {
	blk.pool.releaseWeakRef(blk.b)
}

// PinnedBlock is a handle that owns exactly one pin on its ByteBlock. Clone
// increments the pin (and the handle's reference count); Release decrements
// both. Every exit path must call Release exactly once — Go has no
// destructors, so this module never releases a pin implicitly.
type PinnedBlock struct {
	pool     *BlockPool
	b        *ByteBlock
	workerID int
	released bool
}

// PinnedByteBlockPtr is the handle returned by AllocateByteBlock. It is the
// same type as PinnedBlock; the alias exists to give the allocation result
// its own name distinct from a pin obtained via PinBlock.
type PinnedByteBlockPtr = PinnedBlock

// Bytes returns the block's underlying buffer. Valid only while this handle
// (or a sibling reference obtained from it) has not been released; the
// caller owns the buffer content and may mutate it in place.
func (p *PinnedBlock) Bytes() []byte {
	return p.b.data
}

// Block returns a new weak reference to the same ByteBlock.
func (p *PinnedBlock) Block() Block {
	return p.pool.newWeakRef(p.b)
}

// Clone increments the pin count and returns a second handle referring to
// the same ByteBlock and worker.
func (p *PinnedBlock) Clone() *PinnedBlock {
	return p.pool.clonePin(p.b, p.workerID)
}

// Release drops this handle's pin. The last Release on a block may move it
// to the unpinned LRU, trigger eviction, or destroy it outright if no
// reference remains at all.
func (p *PinnedBlock) Release() {
	if p.released {
		return
	}
	p.released = true
	p.pool.releasePin(p.b, p.workerID)
}

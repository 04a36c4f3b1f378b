// Package data implements BlockPool, the sole broker of ByteBlock memory and
// swap I/O on a host, plus the Block/PinnedBlock handles that reference its
// ByteBlocks. Every byte of block RAM and every disk read or write of a
// block flows through a BlockPool.
package data

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sync"

	"github.com/kocubinski/blockpool/internal/lruset"
	"github.com/kocubinski/blockpool/internal/memmgr"
	"github.com/kocubinski/blockpool/internal/metrics"
	"github.com/kocubinski/blockpool/internal/pincount"
	"github.com/kocubinski/blockpool/iostore"
	"github.com/kocubinski/blockpool/internal/log"
	"github.com/kocubinski/blockpool/schedule"
)

// Config configures a BlockPool. There are no environment variables and no
// CLI surface for the core library — callers construct a Config directly.
type Config struct {
	// SoftRAMLimit triggers proactive eviction once exceeded. 0 disables
	// the soft limit.
	SoftRAMLimit uint64
	// HardRAMLimit blocks RequestInternalMemory until respected, even
	// after eviction. 0 disables the hard limit.
	HardRAMLimit uint64
	// WorkersPerHost is the number of local worker threads whose pin
	// counts are tracked independently.
	WorkersPerHost int

	// BlockManager performs the asynchronous disk reads/writes behind
	// eviction and pin-in. Required.
	BlockManager iostore.BlockManager
	// AuditLog, if set, receives an operational event for every completed
	// eviction write, every pin-in, and every destroy of a block that was
	// ever assigned a disk handle. Optional; never used for recovery.
	AuditLog *iostore.AuditLog

	// Registerer, if set, registers this pool's Prometheus collectors.
	Registerer prometheus.Registerer
	// PoolName labels this pool's metrics and log lines.
	PoolName string

	// MaintenanceInterval, if nonzero, registers a periodic task on
	// Scheduler (or on a Thread the pool creates and owns, if Scheduler is
	// nil) that re-checks the soft limit and emits an occupancy log line.
	MaintenanceInterval time.Duration
	Scheduler           *schedule.Thread
}

// BlockPool is the per-host memory and I/O manager: it owns every
// ByteBlock's RAM and disk footprint, enforces the soft/hard RAM limits, and
// drives eviction and pin-in. The zero value is not usable; use New.
type BlockPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg Config
	mem *memmgr.Manager
	bm  iostore.BlockManager
	met *metrics.Pool

	pin *pincount.PinCount

	unpinned *lruset.Set[*ByteBlock]
	writing  map[*ByteBlock]struct{}
	swapped  map[*ByteBlock]struct{}
	reading  map[*ByteBlock]*readRequest

	pendingPinOnWrite map[*ByteBlock][]pendingPin

	blocks map[*ByteBlock]struct{}

	requestedBytes uint64
	writingBytes   uint64
	totalRAMUse    uint64

	ownsScheduler bool
	scheduler     *schedule.Thread
	maintTask     schedule.Task

	closed bool
}

type pendingPin struct {
	workerID int
	resolve  func(*PinnedBlock, error)
}

type readRequest struct {
	promises []pendingPin
}

// New constructs a BlockPool from cfg.
func New(cfg Config) (*BlockPool, error) {
	if cfg.BlockManager == nil {
		return nil, fmt.Errorf("data: Config.BlockManager is required")
	}
	if cfg.WorkersPerHost <= 0 {
		cfg.WorkersPerHost = 1
	}
	if cfg.PoolName == "" {
		cfg.PoolName = "default"
	}

	p := &BlockPool{
		cfg:               cfg,
		mem:               memmgr.NewRoot("blockpool." + cfg.PoolName),
		bm:                cfg.BlockManager,
		met:               metrics.NewPool(cfg.Registerer, cfg.PoolName),
		pin:               pincount.New(cfg.WorkersPerHost),
		unpinned:          lruset.New[*ByteBlock](),
		writing:           make(map[*ByteBlock]struct{}),
		swapped:           make(map[*ByteBlock]struct{}),
		reading:           make(map[*ByteBlock]*readRequest),
		pendingPinOnWrite: make(map[*ByteBlock][]pendingPin),
		blocks:            make(map[*ByteBlock]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.MaintenanceInterval > 0 {
		p.scheduler = cfg.Scheduler
		if p.scheduler == nil {
			p.scheduler = schedule.New()
			p.ownsScheduler = true
		}
		p.maintTask = schedule.TaskFunc(p.runMaintenance)
		p.scheduler.Add(cfg.MaintenanceInterval, p.maintTask, false)
	}

	return p, nil
}

// WorkersPerHost returns the number of workers this pool was configured
// for.
func (p *BlockPool) WorkersPerHost() int { return p.cfg.WorkersPerHost }

// BlockCount returns the number of live (non-destroyed) blocks.
func (p *BlockPool) BlockCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

// TotalRAMUse returns total bytes currently attributed to ByteBlocks:
// unpinned RAM-resident blocks, pinned blocks, in-flight write bytes, and the
// buffers of in-flight pin-in reads.
func (p *BlockPool) TotalRAMUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalRAMUse
}

// Close stops any owned maintenance scheduler and asserts no pins leaked.
// It does not close the BlockManager or AuditLog — callers own those.
func (p *BlockPool) Close() {
	p.mu.Lock()
	if p.scheduler != nil && p.maintTask != nil {
		p.scheduler.Remove(p.maintTask)
	}
	owns := p.ownsScheduler
	sched := p.scheduler
	closed := p.closed
	p.closed = true
	p.mu.Unlock()

	if owns && sched != nil {
		sched.Close()
	}
	if !closed {
		p.pin.AssertZero()
	}
}

func (p *BlockPool) runMaintenance(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runSoftLimitSweepLocked()
	p.met.RAMUseBytes.Set(float64(p.totalRAMUse))
	p.met.PinnedBytes.Set(float64(p.pin.TotalPinnedBytes()))
	p.met.SwappedBlocks.Set(float64(len(p.swapped)))
	log.Logger().Debug().
		Str("pool", p.cfg.PoolName).
		Uint64("ram_use", p.totalRAMUse).
		Uint64("pinned_bytes", p.pin.TotalPinnedBytes()).
		Int("swapped", len(p.swapped)).
		Msg("blockpool: maintenance sweep")
}

// AllocateByteBlock allocates size bytes of RAM, admitting it through
// RequestInternalMemory (which may block on the hard limit), and returns a
// handle pinned once on workerID. The freshly allocated block is never
// placed in the unpinned LRU.
func (p *BlockPool) AllocateByteBlock(size uint64, workerID int) (*PinnedByteBlockPtr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requestInternalMemoryLocked(size)

	b := &ByteBlock{
		data:      make([]byte, size),
		size:      size,
		residence: ramPinned,
		pinCounts: make([]int, p.cfg.WorkersPerHost),
		dirty:     true,
	}
	p.totalRAMUse += size
	p.mem.Add(int64(size))
	p.requestedBytes -= size
	p.blocks[b] = struct{}{}

	p.acquirePinLocked(b, workerID)

	p.met.AllocationsTotal.Inc()
	p.met.RAMUseBytes.Set(float64(p.totalRAMUse))

	return &PinnedBlock{pool: p, b: b, workerID: workerID}, nil
}

// requestInternalMemoryLocked updates accounting for size bytes, blocking
// until the hard limit (if any) is respected. Called with p.mu held.
func (p *BlockPool) requestInternalMemoryLocked(size uint64) {
	for p.cfg.HardRAMLimit > 0 && p.totalRAMUse+p.requestedBytes+size > p.cfg.HardRAMLimit {
		if p.unpinned.Len() > 0 {
			p.evictBlockLocked()
		} else if len(p.writing) == 0 {
			// No eviction candidate exists and none is in flight: block
			// indefinitely until some other caller frees memory rather
			// than fail the request outright.
			log.Logger().Warn().
				Str("pool", p.cfg.PoolName).
				Uint64("requested", size).
				Msg("blockpool: hard limit reached with no eviction candidate, blocking")
		}
		p.cond.Wait()
	}
	p.requestedBytes += size
}

// PinBlock pins blk, swapping it in from disk if necessary, and returns a
// Future resolving to a PinnedBlock once the pin is granted.
func (p *BlockPool) PinBlock(blk Block, workerID int) *Future {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, resolve := newFuture()
	p.pinBlockLocked(blk.b, workerID, resolve)
	return f
}

func (p *BlockPool) pinBlockLocked(b *ByteBlock, workerID int, resolve func(*PinnedBlock, error)) {
	switch b.residence {
	case ramPinned:
		p.acquirePinLocked(b, workerID)
		resolve(&PinnedBlock{pool: p, b: b, workerID: workerID}, nil)

	case ramUnpinned:
		p.unpinned.Erase(b)
		b.residence = ramPinned
		// A pin grants the caller a mutable buffer (PinnedBlock.Bytes), so
		// conservatively assume it may be modified; any on-disk copy from a
		// prior eviction can no longer be trusted for a future skip-rewrite.
		b.dirty = true
		p.acquirePinLocked(b, workerID)
		resolve(&PinnedBlock{pool: p, b: b, workerID: workerID}, nil)

	case writing:
		p.pendingPinOnWrite[b] = append(p.pendingPinOnWrite[b], pendingPin{workerID, resolve})

	case reading:
		req := p.reading[b]
		req.promises = append(req.promises, pendingPin{workerID, resolve})
		p.met.PinInCoalesced.Inc()

	case swapped:
		p.beginReadLocked(b, workerID, resolve)

	case destroyed:
		resolve(nil, fmt.Errorf("data: PinBlock on a destroyed block"))

	default:
		panic(fmt.Sprintf("data: unknown residence %v", b.residence))
	}
}

func (p *BlockPool) beginReadLocked(b *ByteBlock, workerID int, resolve func(*PinnedBlock, error)) {
	p.requestInternalMemoryLocked(b.size)
	p.totalRAMUse += b.size
	p.mem.Add(int64(b.size))
	p.requestedBytes -= b.size

	delete(p.swapped, b)
	b.residence = reading
	req := &readRequest{promises: []pendingPin{{workerID, resolve}}}
	p.reading[b] = req
	p.met.PinInsTotal.Inc()

	dst := make([]byte, b.size)
	handle := b.handle
	p.bm.ReadAsync(handle, dst, func(success bool) {
		p.onReadComplete(b, dst, success)
	})
}

func (p *BlockPool) onReadComplete(b *ByteBlock, data []byte, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.reading[b]
	if !ok {
		return
	}
	delete(p.reading, b)

	if !success {
		p.totalRAMUse -= b.size
		p.mem.Subtract(int64(b.size))
		p.met.ReadFailures.Inc()
		err := fmt.Errorf("data: pin-in read failed for handle %d", b.handle)
		for _, pr := range req.promises {
			pr.resolve(nil, err)
		}
		if b.pendingDestroy {
			p.finishDestroyLocked(b)
		}
		log.Logger().Fatal().
			Uint64("handle", uint64(b.handle)).
			Msg("blockpool: swap-in read failed, invariants can no longer be guaranteed")
		return
	}

	b.data = data
	b.residence = ramPinned
	// Every attached promise is about to receive a mutable PinnedBlock
	// (PinnedBlock.Bytes), so the restored on-disk copy can no longer be
	// assumed to match RAM once any of them writes to it; see the
	// ramUnpinned case above for the same reasoning.
	b.dirty = true
	if p.cfg.AuditLog != nil {
		p.cfg.AuditLog.Append(iostore.EventPinnedIn, b.handle, int64(b.size))
	}

	for _, pr := range req.promises {
		p.acquirePinLocked(b, pr.workerID)
		pr.resolve(&PinnedBlock{pool: p, b: b, workerID: pr.workerID}, nil)
	}
	p.cond.Broadcast()

	if b.pendingDestroy && b.totalPins == 0 {
		p.destroyBlockLocked(b)
	}
}

// IncBlockPinCount increments b's pin count for workerID. Requires b to
// already be pinned on some worker.
func (p *BlockPool) IncBlockPinCount(b *ByteBlock, workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.totalPins == 0 {
		panic("data: IncBlockPinCount requires an existing pin")
	}
	p.acquirePinLocked(b, workerID)
}

// DecBlockPinCount decrements b's pin count for workerID, unpinning it if
// the total reaches zero.
func (p *BlockPool) DecBlockPinCount(b *ByteBlock, workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releasePinLocked(b, workerID)
}

// releasePin is the PinnedBlock.Release entry point.
func (p *BlockPool) releasePin(b *ByteBlock, workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releasePinLocked(b, workerID)
}

func (p *BlockPool) acquirePinLocked(b *ByteBlock, workerID int) {
	b.pinCounts[workerID]++
	b.totalPins++
	b.liveRefs++
	p.pin.Increment(workerID, b.size)
}

// releasePinLocked drops one pin owned by workerID. If the pin count
// reaches zero, unpinBlockLocked runs — including its soft-limit eviction
// sweep, which may evict unrelated over-budget blocks regardless of whether
// this particular block is about to be destroyed. Only once that sweep has
// had its chance to run does releasePinLocked destroy the block outright if
// no references to it remain at all; the two are sequential, not exclusive.
func (p *BlockPool) releasePinLocked(b *ByteBlock, workerID int) {
	if b.pinCounts[workerID] < 1 {
		panic(fmt.Sprintf("data: worker %d has no pin on this block to release", workerID))
	}
	b.pinCounts[workerID]--
	b.totalPins--
	b.liveRefs--
	p.pin.Decrement(workerID, b.size)

	if b.totalPins == 0 {
		p.unpinBlockLocked(b)
	}
	if b.liveRefs == 0 && b.residence != destroyed {
		p.destroyBlockLocked(b)
	}
}

// UnpinBlock assumes the last pin on b just dropped. It places b in the
// unpinned LRU as MRU and then, if total_ram_use is over the soft limit,
// evicts LRU blocks greedily (possibly b itself) until back under the limit
// or out of candidates.
func (p *BlockPool) unpinBlockLocked(b *ByteBlock) {
	b.residence = ramUnpinned
	p.unpinned.Put(b)
	// A newly unpinned block is a fresh eviction candidate: wake any
	// caller blocked in requestInternalMemoryLocked on the hard limit.
	p.cond.Broadcast()

	p.runSoftLimitSweepLocked()
}

// runSoftLimitSweepLocked evicts LRU unpinned blocks until total_ram_use is
// back under SoftRAMLimit or no candidates remain. Called both from
// UnpinBlock and from the periodic maintenance task, since any event that
// grows total_ram_use or shrinks the pinned set can leave the pool over
// budget without a specific block having just been unpinned.
func (p *BlockPool) runSoftLimitSweepLocked() {
	if p.cfg.SoftRAMLimit == 0 {
		return
	}
	for p.totalRAMUse > p.cfg.SoftRAMLimit && p.unpinned.Len() > 0 {
		if !p.evictBlockLocked() {
			break
		}
	}
}

// evictBlockLocked picks the LRU unpinned block and begins swapping it out.
// If that block is already on disk and has not been dirtied since, the
// write is skipped and its RAM is released immediately. Returns whether a
// candidate was found.
func (p *BlockPool) evictBlockLocked() bool {
	b, ok := p.unpinned.Pop()
	if !ok {
		return false
	}

	if b.hasHandle && !b.dirty {
		p.totalRAMUse -= b.size
		p.mem.Subtract(int64(b.size))
		b.data = nil
		b.residence = swapped
		p.swapped[b] = struct{}{}
		p.cond.Broadcast()
		return true
	}

	if !b.hasHandle {
		b.handle = p.bm.NewHandle()
		b.hasHandle = true
	}

	b.residence = writing
	p.writing[b] = struct{}{}
	p.writingBytes += b.size

	data := b.data
	handle := b.handle
	p.bm.WriteAsync(handle, data, func(success bool) {
		p.onWriteComplete(b, success)
	})
	p.met.EvictionsTotal.Inc()
	return true
}

func (p *BlockPool) onWriteComplete(b *ByteBlock, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.writing[b]; !ok {
		return
	}
	delete(p.writing, b)
	p.writingBytes -= b.size

	if !success {
		p.met.WriteFailures.Inc()
		log.Logger().Fatal().
			Uint64("handle", uint64(b.handle)).
			Msg("blockpool: swap-out write failed, invariants can no longer be guaranteed")
		return
	}

	p.totalRAMUse -= b.size
	p.mem.Subtract(int64(b.size))
	b.data = nil
	b.dirty = false
	b.residence = swapped
	p.swapped[b] = struct{}{}
	if p.cfg.AuditLog != nil {
		p.cfg.AuditLog.Append(iostore.EventEvicted, b.handle, int64(b.size))
	}
	p.cond.Broadcast()

	pending := p.pendingPinOnWrite[b]
	delete(p.pendingPinOnWrite, b)
	for _, pr := range pending {
		// Await the write, then pin from swapped — b.residence is already
		// `swapped` above, so this re-enters pinBlockLocked's swapped branch
		// (or, for a second pending promise in this same batch, the reading
		// branch it just created).
		p.pinBlockLocked(b, pr.workerID, pr.resolve)
	}

	if b.pendingDestroy && b.totalPins == 0 {
		p.destroyBlockLocked(b)
	}
}

// newWeakRef returns a new Block referencing b, incrementing its reference
// count.
func (p *BlockPool) newWeakRef(b *ByteBlock) Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.liveRefs++
	return Block{pool: p, b: b}
}

func (p *BlockPool) releaseWeakRef(b *ByteBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.liveRefs--
	if b.liveRefs == 0 {
		p.destroyBlockLocked(b)
	}
}

func (p *BlockPool) clonePin(b *ByteBlock, workerID int) *PinnedBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquirePinLocked(b, workerID)
	return &PinnedBlock{pool: p, b: b, workerID: workerID}
}

// destroyBlockLocked removes b from whichever residence set it occupies,
// debits accounting, and frees it. If an eviction write or pin-in read is
// still outstanding it defers to pendingDestroy and lets the matching
// completion callback finish the job, rather than blocking the caller
// until the outstanding I/O drains.
func (p *BlockPool) destroyBlockLocked(b *ByteBlock) {
	if b.residence == destroyed {
		panic("data: double free of ByteBlock")
	}
	if b.totalPins != 0 {
		panic("data: destroying a block with an outstanding pin")
	}

	switch b.residence {
	case writing, reading:
		b.pendingDestroy = true
		return
	default:
		p.finishDestroyLocked(b)
	}
}

func (p *BlockPool) finishDestroyLocked(b *ByteBlock) {
	switch b.residence {
	case ramPinned, ramUnpinned:
		p.unpinned.Erase(b)
		p.totalRAMUse -= b.size
		p.mem.Subtract(int64(b.size))
	case swapped:
		delete(p.swapped, b)
	case writing:
		delete(p.writing, b)
		p.writingBytes -= b.size
		p.totalRAMUse -= b.size
		p.mem.Subtract(int64(b.size))
	case reading:
		delete(p.reading, b)
		p.totalRAMUse -= b.size
		p.mem.Subtract(int64(b.size))
	}

	b.data = nil
	b.residence = destroyed
	delete(p.blocks, b)
	if b.hasHandle {
		if err := p.bm.Free(b.handle); err != nil {
			log.Logger().Error().Err(err).
				Str("pool", p.cfg.PoolName).
				Uint64("handle", uint64(b.handle)).
				Msg("blockpool: failed to free block handle")
		}
	}
	if p.cfg.AuditLog != nil && b.hasHandle {
		p.cfg.AuditLog.Append(iostore.EventDestroyed, b.handle, int64(b.size))
	}
	p.cond.Broadcast()
}

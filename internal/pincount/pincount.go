// Package pincount tracks per-worker pin accounting: how many pins, and how
// many bytes, each local worker holds, plus running totals and peak
// watermarks.
package pincount

import "fmt"

// PinCount tracks, per local worker, how many pins are outstanding and how
// many bytes those pins cover, along with pool-wide totals and watermarks.
// The zero value is not usable; use New.
type PinCount struct {
	totalPins        uint64
	totalPinnedBytes uint64
	maxPins          uint64
	maxPinnedBytes   uint64

	pinCount    []uint64
	pinnedBytes []uint64
}

// New creates a PinCount sized for workersPerHost local workers.
func New(workersPerHost int) *PinCount {
	return &PinCount{
		pinCount:    make([]uint64, workersPerHost),
		pinnedBytes: make([]uint64, workersPerHost),
	}
}

// Increment records one more pin of size bytes held by worker w.
func (p *PinCount) Increment(w int, size uint64) {
	p.pinCount[w]++
	p.pinnedBytes[w] += size
	p.totalPins++
	p.totalPinnedBytes += size
	if p.totalPins > p.maxPins {
		p.maxPins = p.totalPins
	}
	if p.totalPinnedBytes > p.maxPinnedBytes {
		p.maxPinnedBytes = p.totalPinnedBytes
	}
}

// Decrement releases one pin of size bytes held by worker w. Panics if
// worker w does not hold at least one pin of at least size bytes.
func (p *PinCount) Decrement(w int, size uint64) {
	if p.pinCount[w] < 1 {
		panic(fmt.Sprintf("pincount: worker %d has no pins to decrement", w))
	}
	if p.pinnedBytes[w] < size {
		panic(fmt.Sprintf("pincount: worker %d pinned bytes underflow", w))
	}
	p.pinCount[w]--
	p.pinnedBytes[w] -= size
	p.totalPins--
	p.totalPinnedBytes -= size
}

// TotalPins returns the current total number of pins across all workers.
func (p *PinCount) TotalPins() uint64 { return p.totalPins }

// TotalPinnedBytes returns the current total pinned bytes across all
// workers.
func (p *PinCount) TotalPinnedBytes() uint64 { return p.totalPinnedBytes }

// WorkerPins returns the number of pins held by worker w.
func (p *PinCount) WorkerPins(w int) uint64 { return p.pinCount[w] }

// WorkerPinnedBytes returns the pinned bytes held by worker w.
func (p *PinCount) WorkerPinnedBytes(w int) uint64 { return p.pinnedBytes[w] }

// AssertZero panics unless every counter, per-worker and total, is zero.
// Called at BlockPool shutdown to detect a leaked pin.
func (p *PinCount) AssertZero() {
	if p.totalPins != 0 || p.totalPinnedBytes != 0 {
		panic(fmt.Sprintf("pincount: leak at shutdown: total_pins=%d total_pinned_bytes=%d",
			p.totalPins, p.totalPinnedBytes))
	}
	for w, c := range p.pinCount {
		if c != 0 {
			panic(fmt.Sprintf("pincount: leak at shutdown: worker %d pin_count=%d", w, c))
		}
	}
	for w, b := range p.pinnedBytes {
		if b != 0 {
			panic(fmt.Sprintf("pincount: leak at shutdown: worker %d pinned_bytes=%d", w, b))
		}
	}
}

// String renders the counters for diagnostics.
func (p *PinCount) String() string {
	return fmt.Sprintf("PinCount(total_pins=%d total_pinned_bytes=%d max_pins=%d max_pinned_bytes=%d)",
		p.totalPins, p.totalPinnedBytes, p.maxPins, p.maxPinnedBytes)
}

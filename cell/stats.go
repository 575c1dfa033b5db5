package cell

import (
	"container/heap"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Stats is the snapshot returned by Context.GetStats (spec.md §4.G
// statistics layer), mirroring hive/alloc.allocatorStats/EfficiencyStats'
// shape: per-tier counters plus whole-context current/peak bytes.
type Stats struct {
	CellAllocs, CellFrees     uint64
	BinAllocs, BinFrees       uint64
	BuddyAllocs, BuddyFrees   uint64
	LargeAllocs, LargeFrees   uint64

	CurrentBytes uint64
	PeakBytes    uint64

	CommittedBytes uintptr
	LiveCount      uintptr

	// TopTags holds the k tags with the largest currently-live byte
	// totals, largest first.
	TopTags []TagUsage
}

// TagUsage pairs a caller-supplied tag with its current live byte total.
type TagUsage struct {
	Tag   uint8
	Bytes uint64
}

// LeakRecord describes one still-live allocation at the time
// ReportLeaks is called (spec.md §4.G leak-tracking layer).
type LeakRecord struct {
	Ptr  uintptr
	Size uintptr
	Tag  uint8
}

// tierCounters holds the always-on atomic counters for one tier. Stats
// collection itself is cheap enough to run unconditionally (spec.md
// §4.G: "counters are cheap atomics"); EnableStats instead gates the
// more expensive top-tag aggregation.
type tierCounters struct {
	allocs atomic.Uint64
	frees  atomic.Uint64
}

// statTracker is the optional stats/leak/budget layer wired into a
// Context when the corresponding ContextConfig flag is set. Modeled on
// hive/alloc.allocatorStats plus its worstHBINHeap container/heap-based
// "k worst" tracker, generalized here into a "k largest live tags" view
// consulted by DumpStats.
type statTracker struct {
	enableStats bool
	enableLeaks bool
	enableBudget bool

	cell  tierCounters
	bin   tierCounters
	buddy tierCounters
	large tierCounters

	current atomic.Int64
	peak     atomic.Int64

	tagMu   sync.Mutex
	tagBytes map[uint8]uint64

	leakMu  sync.Mutex
	leaks   map[uintptr]LeakRecord

	budget       uintptr
	budgetCB     atomic.Pointer[BudgetCallback]
	allocCB      atomic.Pointer[AllocCallback]
}

func newStatTracker(cfg ContextConfig) *statTracker {
	return &statTracker{
		enableStats:  cfg.EnableStats,
		enableLeaks:  cfg.EnableLeakTracking,
		enableBudget: cfg.EnableBudget,
		tagBytes:     make(map[uint8]uint64),
		leaks:        make(map[uintptr]LeakRecord),
		budget:       cfg.MemoryBudget,
	}
}

// recordAlloc is called after every successful allocation across every
// tier, recording accounting and invoking any registered callbacks.
func (s *statTracker) recordAlloc(tier *tierCounters, ptr, size uintptr, tag uint8) {
	tier.allocs.Add(1)

	n := s.current.Add(int64(size))
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if s.enableStats {
		s.tagMu.Lock()
		s.tagBytes[tag] += uint64(size)
		s.tagMu.Unlock()
	}

	if s.enableLeaks {
		s.leakMu.Lock()
		s.leaks[ptr] = LeakRecord{Ptr: ptr, Size: size, Tag: tag}
		s.leakMu.Unlock()
	}

	if cb := s.allocCB.Load(); cb != nil {
		(*cb)(ptr, size, tag, false)
	}
}

// recordFree is the symmetric counterpart, called after every
// successful free. size/tag must be the values recorded at alloc time;
// callers look them up before releasing any tier-level metadata.
func (s *statTracker) recordFree(tier *tierCounters, ptr, size uintptr, tag uint8) {
	tier.frees.Add(1)
	s.current.Add(-int64(size))

	if s.enableStats {
		s.tagMu.Lock()
		if s.tagBytes[tag] >= uint64(size) {
			s.tagBytes[tag] -= uint64(size)
		} else {
			s.tagBytes[tag] = 0
		}
		s.tagMu.Unlock()
	}

	if s.enableLeaks {
		s.leakMu.Lock()
		delete(s.leaks, ptr)
		s.leakMu.Unlock()
	}

	if cb := s.allocCB.Load(); cb != nil {
		(*cb)(ptr, size, tag, true)
	}
}

// checkBudget reports whether attempting to allocate size more bytes
// would exceed the configured budget, invoking the budget callback if
// one is registered and the budget would be exceeded (spec.md §4.G
// budget layer).
func (s *statTracker) checkBudget(size uintptr) bool {
	if !s.enableBudget || s.budget == 0 {
		return true
	}
	used := uintptr(s.current.Load())
	if used+size > s.budget {
		if cb := s.budgetCB.Load(); cb != nil {
			(*cb)(size, used, s.budget)
		}
		return false
	}
	return true
}

func (s *statTracker) setAllocCallback(cb AllocCallback) { s.allocCB.Store(&cb) }
func (s *statTracker) setBudgetCallback(cb BudgetCallback) { s.budgetCB.Store(&cb) }

// reportLeaks returns a snapshot of every allocation still tracked as
// live. Empty unless EnableLeakTracking was set (spec.md §4.G).
func (s *statTracker) reportLeaks() []LeakRecord {
	s.leakMu.Lock()
	defer s.leakMu.Unlock()
	out := make([]LeakRecord, 0, len(s.leaks))
	for _, rec := range s.leaks {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ptr < out[j].Ptr })
	return out
}

func (s *statTracker) reset() {
	s.cell = tierCounters{}
	s.bin = tierCounters{}
	s.buddy = tierCounters{}
	s.large = tierCounters{}
	s.current.Store(0)
	s.peak.Store(0)
	s.tagMu.Lock()
	s.tagBytes = make(map[uint8]uint64)
	s.tagMu.Unlock()
}

// tagHeapItem / tagMinHeap implement a fixed-k min-heap over TagUsage,
// the same container/heap idiom hive/alloc/fastalloc.go's
// worstHBINHeap uses to track the k worst HBIN fragmentation ratios
// without sorting the full set — here generalized to "k largest live
// tags" for DumpStats.
type tagMinHeap []TagUsage

func (h tagMinHeap) Len() int            { return len(h) }
func (h tagMinHeap) Less(i, j int) bool  { return h[i].Bytes < h[j].Bytes }
func (h tagMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tagMinHeap) Push(x interface{}) { *h = append(*h, x.(TagUsage)) }
func (h *tagMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topTags returns the k tags with the largest live byte totals,
// largest first.
func (s *statTracker) topTags(k int) []TagUsage {
	if k <= 0 {
		return nil
	}
	s.tagMu.Lock()
	defer s.tagMu.Unlock()

	h := &tagMinHeap{}
	heap.Init(h)
	for tag, bytes := range s.tagBytes {
		if bytes == 0 {
			continue
		}
		u := TagUsage{Tag: tag, Bytes: bytes}
		if h.Len() < k {
			heap.Push(h, u)
			continue
		}
		if (*h)[0].Bytes < u.Bytes {
			heap.Pop(h)
			heap.Push(h, u)
		}
	}

	out := make([]TagUsage, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(TagUsage)
	}
	return out
}

func (s *statTracker) snapshot(committed uintptr, live uintptr) Stats {
	return Stats{
		CellAllocs:     s.cell.allocs.Load(),
		CellFrees:      s.cell.frees.Load(),
		BinAllocs:      s.bin.allocs.Load(),
		BinFrees:       s.bin.frees.Load(),
		BuddyAllocs:    s.buddy.allocs.Load(),
		BuddyFrees:     s.buddy.frees.Load(),
		LargeAllocs:    s.large.allocs.Load(),
		LargeFrees:     s.large.frees.Load(),
		CurrentBytes:   uint64(s.current.Load()),
		PeakBytes:      uint64(s.peak.Load()),
		CommittedBytes: committed,
		LiveCount:      live,
		TopTags:        s.topTags(8),
	}
}

// dumpStats writes a human-readable report, the Go-shaped counterpart
// to a CLI dump_stats routine; cmd/cellstat calls Context.DumpStats
// directly rather than reimplementing this formatting.
func dumpStats(w io.Writer, st Stats) {
	fmt.Fprintf(w, "cell: alloc=%d free=%d\n", st.CellAllocs, st.CellFrees)
	fmt.Fprintf(w, "bin:  alloc=%d free=%d\n", st.BinAllocs, st.BinFrees)
	fmt.Fprintf(w, "buddy:alloc=%d free=%d\n", st.BuddyAllocs, st.BuddyFrees)
	fmt.Fprintf(w, "large:alloc=%d free=%d\n", st.LargeAllocs, st.LargeFrees)
	fmt.Fprintf(w, "current=%d peak=%d committed=%d live=%d\n",
		st.CurrentBytes, st.PeakBytes, st.CommittedBytes, st.LiveCount)
	for _, t := range st.TopTags {
		fmt.Fprintf(w, "  tag %d: %d bytes live\n", t.Tag, t.Bytes)
	}
}

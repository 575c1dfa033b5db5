package cell

import "testing"

func TestStatTracker_RecordAllocUpdatesCurrentAndPeak(t *testing.T) {
	s := newStatTracker(ContextConfig{EnableStats: true, EnableLeakTracking: true})

	s.recordAlloc(&s.bin, 0x1000, 128, 5)
	if s.current.Load() != 128 {
		t.Errorf("current = %d, want 128", s.current.Load())
	}
	if s.peak.Load() != 128 {
		t.Errorf("peak = %d, want 128", s.peak.Load())
	}

	s.recordAlloc(&s.bin, 0x2000, 256, 5)
	if s.current.Load() != 384 {
		t.Errorf("current = %d, want 384", s.current.Load())
	}
	if s.peak.Load() != 384 {
		t.Errorf("peak = %d, want 384", s.peak.Load())
	}

	s.recordFree(&s.bin, 0x2000, 256, 5)
	if s.current.Load() != 128 {
		t.Errorf("current = %d, want 128 after free", s.current.Load())
	}
	if s.peak.Load() != 384 {
		t.Error("peak should not drop on free")
	}
}

func TestStatTracker_LeakTrackingAddsAndRemoves(t *testing.T) {
	s := newStatTracker(ContextConfig{EnableLeakTracking: true})

	s.recordAlloc(&s.large, 0x3000, 4096, 9)
	leaks := s.reportLeaks()
	if len(leaks) != 1 || leaks[0].Tag != 9 {
		t.Fatalf("expected one leak with tag 9, got %+v", leaks)
	}

	s.recordFree(&s.large, 0x3000, 4096, 9)
	if leaks := s.reportLeaks(); len(leaks) != 0 {
		t.Fatalf("expected no leaks after free, got %+v", leaks)
	}
}

func TestStatTracker_CheckBudgetEnforcesLimit(t *testing.T) {
	s := newStatTracker(ContextConfig{EnableBudget: true, MemoryBudget: 256})

	if !s.checkBudget(100) {
		t.Fatal("100 bytes should fit within a 256-byte budget")
	}
	s.recordAlloc(&s.bin, 0x1000, 200, 1)
	if s.checkBudget(100) {
		t.Fatal("200+100 exceeds a 256-byte budget, should be rejected")
	}
}

func TestStatTracker_CheckBudgetDisabledAlwaysPasses(t *testing.T) {
	s := newStatTracker(ContextConfig{EnableBudget: false})
	if !s.checkBudget(1 << 40) {
		t.Fatal("budget check should always pass when disabled")
	}
}

func TestTopTags_ReturnsLargestFirst(t *testing.T) {
	s := newStatTracker(ContextConfig{EnableStats: true})
	s.recordAlloc(&s.bin, 0x1000, 10, 1)
	s.recordAlloc(&s.bin, 0x2000, 50, 2)
	s.recordAlloc(&s.bin, 0x3000, 30, 3)

	top := s.topTags(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 top tags, got %d", len(top))
	}
	if top[0].Tag != 2 || top[0].Bytes != 50 {
		t.Errorf("top[0] = %+v, want tag 2 bytes 50", top[0])
	}
	if top[1].Tag != 3 || top[1].Bytes != 30 {
		t.Errorf("top[1] = %+v, want tag 3 bytes 30", top[1])
	}
}

func TestStatTracker_ResetZeroesCounters(t *testing.T) {
	s := newStatTracker(ContextConfig{EnableStats: true})
	s.recordAlloc(&s.bin, 0x1000, 64, 1)
	s.reset()

	if s.current.Load() != 0 || s.peak.Load() != 0 {
		t.Fatal("reset should zero current/peak")
	}
	if s.bin.allocs.Load() != 0 {
		t.Fatal("reset should zero tier counters")
	}
}

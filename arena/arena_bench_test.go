package arena

import (
	"testing"

	"github.com/yndc/cell/cell"
)

func newBenchContext(b *testing.B) *cell.Context {
	b.Helper()
	ctx, err := cell.NewContext(cell.ContextConfig{ReserveSize: 256 << 20})
	if err != nil {
		b.Fatalf("NewContext: %v", err)
	}
	return ctx
}

// Benchmark_Arena_Alloc measures bump-allocation throughput, the arena
// analogue of the teacher's BenchmarkBumpAllocator_Alloc.
func Benchmark_Arena_Alloc(b *testing.B) {
	ctx := newBenchContext(b)
	defer ctx.Close()

	a := New(ctx, 1)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		size := uintptr(64 + (i%64)*2)
		if a.Alloc(size) == nil {
			b.Fatal("alloc returned nil")
		}
	}
}

// Benchmark_Arena_AllocSequential measures fixed-size sequential bump
// allocation, mirroring BenchmarkBumpAllocator_AllocSequential.
func Benchmark_Arena_AllocSequential(b *testing.B) {
	ctx := newBenchContext(b)
	defer ctx.Close()

	a := New(ctx, 1)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if a.Alloc(64) == nil {
			b.Fatal("alloc returned nil")
		}
	}
}

// Benchmark_Arena_MarkRestore measures the cost of a mark/restore cycle
// around a fixed batch of allocations.
func Benchmark_Arena_MarkRestore(b *testing.B) {
	ctx := newBenchContext(b)
	defer ctx.Close()

	a := New(ctx, 1)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		m := a.Mark()
		for j := 0; j < 100; j++ {
			if a.Alloc(64) == nil {
				b.Fatal("alloc returned nil")
			}
		}
		a.Restore(m)
	}
}

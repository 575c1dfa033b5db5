// Command cellstat runs a synthetic allocation workload against a
// cell.Context and reports the resulting statistics, leak, and guard
// state. It is the single-purpose introspection counterpart to
// hivectl's stats/diagnose subcommands, built on stdlib flag rather than
// cobra since there is no subcommand tree here for cobra to route.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/yndc/cell/cell"
)

func main() {
	var (
		reserveMB   = flag.Uint64("reserve-mb", 512, "reserved address space in MiB")
		opCount     = flag.Int("ops", 100000, "number of alloc/free operations to perform")
		minSize     = flag.Uint64("min-size", 16, "minimum allocation size in bytes")
		maxSize     = flag.Uint64("max-size", 4096, "maximum allocation size in bytes")
		liveRatio   = flag.Float64("live-ratio", 0.3, "fraction of allocations left live at the end, to exercise leak reporting")
		guards      = flag.Bool("guards", true, "enable guard canary checking")
		leaks       = flag.Bool("leaks", true, "enable leak tracking")
		budgetMB    = flag.Uint64("budget-mb", 0, "memory budget in MiB; 0 means unlimited")
		seed        = flag.Int64("seed", 1, "PRNG seed for the synthetic workload")
	)
	flag.Parse()

	cfg := cell.ContextConfig{
		ReserveSize:        uintptr(*reserveMB) << 20,
		EnableGuards:       *guards,
		EnableLeakTracking: *leaks,
		EnableStats:        true,
	}
	if *budgetMB > 0 {
		cfg.EnableBudget = true
		cfg.MemoryBudget = uintptr(*budgetMB) << 20
	}

	ctx, err := cell.NewContext(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cellstat: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Close()

	runWorkload(ctx, *opCount, *minSize, *maxSize, *liveRatio, *seed)

	fmt.Println("=== stats ===")
	ctx.DumpStats(os.Stdout)

	if *leaks {
		leakList := ctx.ReportLeaks()
		fmt.Printf("\n=== leaks (%d live) ===\n", len(leakList))
		for _, l := range leakList {
			fmt.Printf("  ptr=0x%x size=%d tag=%d\n", l.Ptr, l.Size, l.Tag)
		}
	}

	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	freed, err := ctx.DecommitUnused(dctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cellstat: decommit: %v\n", err)
	} else {
		fmt.Printf("\ndecommitted %s\n", formatBytes(int64(freed)))
	}
}

// runWorkload allocates and frees a mix of sizes from minSize to
// maxSize, leaving roughly liveRatio of them allocated at the end so
// DumpStats/ReportLeaks have something non-trivial to show.
func runWorkload(ctx *cell.Context, opCount int, minSize, maxSize uint64, liveRatio float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	span := maxSize - minSize + 1

	var live []uintptr
	for i := 0; i < opCount; i++ {
		size := uintptr(minSize + rng.Uint64()%span)
		tag := uint8(i % 16)

		p := ctx.AllocBytes(size, tag, 0)
		if p == nil {
			continue
		}
		addr := uintptr(p)

		if rng.Float64() < liveRatio {
			live = append(live, addr)
			continue
		}
		ctx.FreeBytes(p)
	}
	_ = live // intentionally left allocated to exercise leak reporting
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

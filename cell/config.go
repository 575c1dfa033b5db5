package cell

import "log/slog"

// ContextConfig configures a new Context. NewContext replaces only a
// zero ReserveSize with the default; every other field is used as
// given, so ContextConfig{} runs with all optional layers (stats
// included) switched off. DefaultConfig() returns the full defaults.
type ContextConfig struct {
	// ReserveSize is the total virtual address space to reserve, split
	// evenly between the cell region and the buddy region and rounded
	// down to superblock (2 MiB) alignment on each side. Default 16 GiB.
	ReserveSize uintptr

	// MemoryBudget caps simultaneously live bytes; 0 means unlimited.
	// Only meaningful when the budget layer is active (EnableBudget).
	MemoryBudget uintptr

	// EnableGuards, EnableLeakTracking, EnableStats, EnableBudget gate
	// the compile-time-optional layers described in spec.md §4.G. In
	// DefaultConfig, EnableGuards and EnableLeakTracking are true when
	// CELL_DEBUG is set and false otherwise, EnableStats is always true
	// (counters are cheap atomics, matching hive/alloc's always-on
	// allocatorStats) and EnableBudget is always false.
	EnableGuards       bool
	EnableLeakTracking bool
	EnableStats        bool
	EnableBudget       bool

	// Logger, when non-nil, replaces the package-level logger for
	// diagnostics raised by this context.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration. NewContext takes only
// its ReserveSize, and only when the given ReserveSize is zero.
func DefaultConfig() ContextConfig {
	return ContextConfig{
		ReserveSize:        defaultReserveSize,
		MemoryBudget:       0,
		EnableGuards:       debugEnabled,
		EnableLeakTracking: debugEnabled,
		EnableStats:        true,
		EnableBudget:       false,
	}
}

// withDefaults fills a zero ReserveSize from DefaultConfig, the same
// "config or default" shape as hive/alloc.NewFast(h, dt, *SizeClassConfig).
func (cfg ContextConfig) withDefaults() ContextConfig {
	d := DefaultConfig()
	if cfg.ReserveSize == 0 {
		cfg.ReserveSize = d.ReserveSize
	}
	return cfg
}

// AllocCallback is invoked on every allocation and free when set via
// Context.SetAllocCallback (spec.md §4.G instrumentation layer).
type AllocCallback func(ptr uintptr, size uintptr, tag uint8, freed bool)

// BudgetCallback is invoked when an allocation would exceed the
// configured memory budget (spec.md §4.G budget layer).
type BudgetCallback func(attempted, used, limit uintptr)

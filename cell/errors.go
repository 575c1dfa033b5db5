package cell

import "errors"

// Sentinel errors, mirrored on hive/alloc/errors.go's one-var-block style.
// Recoverable errors (spec.md §7) are never surfaced through these;
// allocation failures are always a nil return. Of these sentinels only
// ErrClosed is returned by this package (from a second Close);
// DecommitUnused returns the error of its context.Context, and the
// others are not returned by any function here.
var (
	// ErrNoSpace indicates the reserved region is exhausted and no
	// further commit is possible.
	ErrNoSpace = errors.New("cell: no space left in reserved region")

	// ErrBadPointer indicates a pointer that does not belong to any
	// tier of the context it was passed to.
	ErrBadPointer = errors.New("cell: pointer not owned by this context")

	// ErrInvalidArg indicates a zero size, a non-power-of-two alignment,
	// or an alignment this call path cannot satisfy.
	ErrInvalidArg = errors.New("cell: invalid argument")

	// ErrBudgetExceeded indicates the configured memory budget would be
	// exceeded by this allocation.
	ErrBudgetExceeded = errors.New("cell: memory budget exceeded")

	// ErrClosed indicates an operation on a context that has already
	// been closed.
	ErrClosed = errors.New("cell: context is closed")
)

// CorruptionError reports a detected heap-corruption invariant failure
// (spec.md §7: debug magic mismatch, double free, guard mismatch). It is
// logged before the process aborts via panic, so a recovering caller
// that catches the panic still gets a structured diagnostic.
type CorruptionError struct {
	Invariant string // name of the failing invariant, e.g. "guard-mismatch"
	Pointer   uintptr
	Detail    string
}

func (e *CorruptionError) Error() string {
	if e.Detail == "" {
		return "cell: corruption detected (" + e.Invariant + ")"
	}
	return "cell: corruption detected (" + e.Invariant + "): " + e.Detail
}

package cell

import "testing"

func TestClassForSize_ExactPowersOfTwo(t *testing.T) {
	for i, sz := range classSizes {
		if got := classForSize(sz); got != i {
			t.Errorf("classForSize(%d) = %d, want %d", sz, got, i)
		}
	}
}

func TestClassForSize_BelowMin(t *testing.T) {
	for _, sz := range []uint32{0, 1, 8, 15, 16} {
		if got := classForSize(sz); got != 0 {
			t.Errorf("classForSize(%d) = %d, want 0", sz, got)
		}
	}
}

func TestClassForSize_AboveMax(t *testing.T) {
	for _, sz := range []uint32{8193, 10000, 1 << 20} {
		if got := classForSize(sz); got != numSizeClasses {
			t.Errorf("classForSize(%d) = %d, want %d", sz, got, numSizeClasses)
		}
	}
}

func TestClassForSize_BetweenBoundaries(t *testing.T) {
	cases := []struct {
		size uint32
		want int
	}{
		{17, 1},   // just above 16 -> needs 32
		{33, 2},   // just above 32 -> needs 64
		{129, 4},  // just above 128 -> needs 256
		{4097, 9}, // just above 4096 -> needs 8192
	}
	for _, c := range cases {
		if got := classForSize(c.size); got != c.want {
			t.Errorf("classForSize(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestClassForSizeAligned_SmallAlignmentIgnored(t *testing.T) {
	base := classForSize(100)
	if got := classForSizeAligned(100, 8); got != base {
		t.Errorf("classForSizeAligned(100, 8) = %d, want %d", got, base)
	}
	if got := classForSizeAligned(100, 1); got != base {
		t.Errorf("classForSizeAligned(100, 1) = %d, want %d", got, base)
	}
}

func TestClassForSizeAligned_LargeAlignmentForcesLargerClass(t *testing.T) {
	// size 17 alone needs class 1 (32 bytes), but a 128-byte alignment
	// requires a class whose block size is itself >= 128.
	got := classForSizeAligned(17, 128)
	if got >= numSizeClasses {
		t.Fatalf("classForSizeAligned(17, 128) = %d, expected a valid class", got)
	}
	if classSizes[got] < 128 {
		t.Errorf("classForSizeAligned(17, 128) = class %d (size %d), want size >= 128", got, classSizes[got])
	}
}

func TestClassForSizeAligned_UnsatisfiableAlignmentFallsThrough(t *testing.T) {
	got := classForSizeAligned(8192, 1<<20)
	if got != numSizeClasses {
		t.Errorf("classForSizeAligned(8192, 1<<20) = %d, want %d (fall through)", got, numSizeClasses)
	}
}

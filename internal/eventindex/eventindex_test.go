package eventindex

import "testing"

func TestGetBumpsZero(t *testing.T) {
	var idx Index
	if got := idx.Get(); got != 1 {
		t.Fatalf("Get() = %d, want 1", got)
	}
}

func TestNextSkipsZeroOnWrap(t *testing.T) {
	idx := Index{current: 255}
	if got := idx.Next(); got != 1 {
		t.Fatalf("Next() after wrap = %d, want 1", got)
	}
}

func TestObserveIgnoresZero(t *testing.T) {
	idx := Index{current: 10}
	idx.Observe(0)
	if idx.current != 10 {
		t.Fatalf("Observe(0) mutated local index to %d", idx.current)
	}
}

func TestObserveNeverRollsBack(t *testing.T) {
	for local := 1; local <= 255; local++ {
		for remote := 0; remote <= 255; remote++ {
			idx := Index{current: uint8(local)}
			idx.Observe(uint8(remote))
			if remote == 0 {
				continue
			}
			if delta := int8(uint8(remote) - idx.current); delta > 0 {
				t.Fatalf("local=%d remote=%d: Observe left local=%d still behind", local, remote, idx.current)
			}
		}
	}
}

func TestIsExpiredWindow(t *testing.T) {
	idx := Index{current: 100}
	if idx.IsExpired(100) {
		t.Fatalf("equal index should not be expired")
	}
	if idx.IsExpired(101) {
		t.Fatalf("newer index should not be expired")
	}
	if !idx.IsExpired(50) {
		t.Fatalf("much older index should be expired")
	}
	if idx.IsExpired(0) {
		t.Fatalf("zero should never be expired")
	}
}

func TestWrapAroundOrdering(t *testing.T) {
	idx := Index{current: 255}
	idx.Observe(1)
	if idx.current != 1 {
		t.Fatalf("wrap from 255 to 1 should be observed as newer, got %d", idx.current)
	}
}

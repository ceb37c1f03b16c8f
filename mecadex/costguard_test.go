package mecadex

import (
	"sync"
	"testing"
)

func TestCostGuard_ReserveWithinBudget(t *testing.T) {
	guard := NewCostGuard(10)

	if !guard.Reserve(4) {
		t.Fatal("Reserve(4) against budget 10 should succeed")
	}
	if !guard.Reserve(6) {
		t.Fatal("Reserve(6) with 6 remaining should succeed")
	}
	if guard.Reserve(0.1) {
		t.Error("Reserve beyond budget should fail")
	}
}

func TestCostGuard_SettleReleasesReservation(t *testing.T) {
	guard := NewCostGuard(10)

	if !guard.Reserve(8) {
		t.Fatal("Reserve(8) should succeed")
	}
	guard.Settle(8, 3)

	if got := guard.Spent(); got != 3 {
		t.Errorf("Spent() = %v, want 3", got)
	}
	if got := guard.Remaining(); got != 7 {
		t.Errorf("Remaining() = %v, want 7", got)
	}
	if !guard.Reserve(7) {
		t.Error("Reserve(7) after settling should succeed")
	}
}

func TestCostGuard_SettleClampsOvershoot(t *testing.T) {
	guard := NewCostGuard(10)

	guard.Reserve(2)
	// Actual spend can exceed the reservation by one in-flight object; the
	// recorded total stays within the reservation.
	guard.Settle(2, 5)

	if got := guard.Spent(); got != 2 {
		t.Errorf("Spent() = %v, want 2", got)
	}
}

func TestCostGuard_RejectsNonPositive(t *testing.T) {
	guard := NewCostGuard(10)
	if guard.Reserve(0) {
		t.Error("Reserve(0) should fail")
	}
	if guard.Reserve(-1) {
		t.Error("Reserve(-1) should fail")
	}
}

func TestCostGuard_ConcurrentReservesNeverExceedBudget(t *testing.T) {
	guard := NewCostGuard(100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.Reserve(5) {
				guard.Settle(5, 5)
			}
		}()
	}
	wg.Wait()

	if got := guard.Spent(); got > 100 {
		t.Errorf("Spent() = %v, exceeds budget 100", got)
	}
	if got := guard.Spent(); got != 100 {
		t.Errorf("Spent() = %v, want exactly 100 with 50 competing reserves", got)
	}
}

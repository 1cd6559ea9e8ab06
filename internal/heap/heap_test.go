package heap

import "testing"

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	m := New(Config{BudgetBytes: 1000})
	m.Register(1, CategoryWeights, 400)
	m.Register(2, CategoryKV, 100)

	snap := m.Snapshot()
	if snap.Used != 500 {
		t.Errorf("Used = %d, want 500", snap.Used)
	}
	if snap.PerCategory[CategoryWeights] != 400 {
		t.Errorf("PerCategory[weights] = %d, want 400", snap.PerCategory[CategoryWeights])
	}

	m.Unregister(1)
	snap = m.Snapshot()
	if snap.Used != 100 {
		t.Errorf("Used after unregister = %d, want 100", snap.Used)
	}
	if snap.PerCategory[CategoryWeights] != 0 {
		t.Errorf("PerCategory[weights] after unregister = %d, want 0", snap.PerCategory[CategoryWeights])
	}
}

func TestUnregisterUnknownHandleIsNoop(t *testing.T) {
	m := New(Config{BudgetBytes: 1000})
	m.Register(1, CategoryWeights, 400)
	m.Unregister(999)
	if got := m.Snapshot().Used; got != 400 {
		t.Errorf("Used = %d, want 400 (unknown unregister should be a no-op)", got)
	}
}

func TestPeakTracksMaximum(t *testing.T) {
	m := New(Config{BudgetBytes: 1000})
	m.Register(1, CategoryWeights, 800)
	m.Unregister(1)
	m.Register(2, CategoryWeights, 100)

	if got := m.Snapshot().Peak; got != 800 {
		t.Errorf("Peak = %d, want 800", got)
	}
}

func TestUnderPressure(t *testing.T) {
	m := New(Config{BudgetBytes: 1000, PressureThreshold: 0.5})
	m.Register(1, CategoryWeights, 400)
	if m.Snapshot().UnderPressure {
		t.Error("should not be under pressure at 40% usage")
	}
	m.Register(2, CategoryWeights, 200)
	if !m.Snapshot().UnderPressure {
		t.Error("should be under pressure at 60% usage with 50% threshold")
	}
}

func TestResetClearsTracking(t *testing.T) {
	m := New(Config{BudgetBytes: 1000})
	m.Register(1, CategoryWeights, 400)
	m.Reset()

	snap := m.Snapshot()
	if snap.Used != 0 || snap.Peak != 0 {
		t.Errorf("Snapshot after Reset = %+v, want zeroed", snap)
	}
}

func TestZeroBudgetNeverPressured(t *testing.T) {
	m := New(Config{})
	m.Register(1, CategoryWeights, 1_000_000)
	if m.Snapshot().UnderPressure {
		t.Error("zero budget should never report pressure")
	}
}

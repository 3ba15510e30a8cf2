package activity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newMonitor(t *testing.T) (*Monitor, *clock.Mock, *atomic.Int32) {
	t.Helper()
	mock := clock.NewMock()
	var fired atomic.Int32
	m := New(DefaultConfig(), func() { fired.Add(1) }, WithClock(mock))
	return m, mock, &fired
}

func TestCheckThresholdsAreExact(t *testing.T) {
	m, mock, _ := newMonitor(t)
	m.Enable(context.Background())
	defer m.Disable()
	start := mock.Now()

	steps := []struct {
		at   time.Duration
		want State
		fire bool
	}{
		{4999 * time.Millisecond, Writing, false},
		{5 * time.Second, Idle, false},
		{59999 * time.Millisecond, Idle, false},
		{60 * time.Second, Stuck, true},
		{61 * time.Second, Stuck, false},
		{10 * time.Minute, Stuck, false},
	}
	for _, s := range steps {
		fire := m.Check(start.Add(s.at))
		if fire != s.fire {
			t.Errorf("at %v: fire = %v, want %v", s.at, fire, s.fire)
		}
		if got := m.Snapshot().State; got != s.want {
			t.Errorf("at %v: state = %s, want %s", s.at, got, s.want)
		}
	}
}

func TestActivityResetsStuckPeriod(t *testing.T) {
	m, mock, _ := newMonitor(t)
	m.Enable(context.Background())
	defer m.Disable()

	if !m.Check(mock.Now().Add(time.Minute)) {
		t.Fatal("expected first stuck period to fire")
	}

	mock.Add(time.Minute)
	m.OnActivity()
	snap := m.Snapshot()
	if snap.State != Writing || snap.Fired {
		t.Fatalf("activity should reset to WRITING and clear fired: %+v", snap)
	}
	if !m.Check(mock.Now().Add(time.Minute)) {
		t.Fatal("expected a new stuck period to fire again")
	}
}

func TestStatesNeverRegressWithoutActivity(t *testing.T) {
	m, mock, _ := newMonitor(t)
	m.Enable(context.Background())
	defer m.Disable()

	m.Check(mock.Now().Add(10 * time.Second))
	m.Check(mock.Now().Add(time.Second)) // an earlier reading
	if got := m.Snapshot().State; got != Idle {
		t.Fatalf("state regressed to %s", got)
	}
}

func TestManualTriggerFiresOnce(t *testing.T) {
	m, mock, fired := newMonitor(t)
	m.Enable(context.Background())
	defer m.Disable()

	if !m.ManualTrigger() {
		t.Fatal("manual trigger should fire while enabled")
	}
	if fired.Load() != 1 {
		t.Fatalf("expected one fire, got %d", fired.Load())
	}
	if m.Check(mock.Now().Add(60 * time.Second)) {
		t.Fatal("natural threshold should not fire again in the same stuck period")
	}
}

func TestDisabledMonitorIsInert(t *testing.T) {
	m, mock, fired := newMonitor(t)

	if m.Check(mock.Now().Add(time.Hour)) {
		t.Fatal("disabled monitor fired")
	}
	if m.ManualTrigger() {
		t.Fatal("disabled monitor accepted manual trigger")
	}
	if got := m.Snapshot().State; got != Writing {
		t.Fatalf("disabled monitor left WRITING: %s", got)
	}
	if fired.Load() != 0 {
		t.Fatal("callback ran on disabled monitor")
	}
}

func TestTickerDrivesSingleFire(t *testing.T) {
	mock := clock.NewMock()
	fires := make(chan time.Time, 4)
	m := New(DefaultConfig(), func() { fires <- mock.Now() }, WithClock(mock))
	m.Enable(context.Background())
	defer m.Disable()
	start := mock.Now()

	for i := 0; i < 59; i++ {
		mock.Add(time.Second)
	}
	select {
	case <-fires:
		t.Fatal("fired before the stuck threshold")
	case <-time.After(20 * time.Millisecond):
	}

	for i := 0; i < 6; i++ {
		mock.Add(time.Second)
	}
	select {
	case at := <-fires:
		if d := at.Sub(start); d < 60*time.Second || d > 66*time.Second {
			t.Fatalf("fired at %v, want within a few ticks of 60s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stuck callback never fired")
	}

	for i := 0; i < 120; i++ {
		mock.Add(time.Second)
	}
	select {
	case <-fires:
		t.Fatal("fired twice in one stuck period")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDisableStopsFurtherFires(t *testing.T) {
	m, mock, fired := newMonitor(t)
	m.Enable(context.Background())
	m.Disable()

	for i := 0; i < 120; i++ {
		mock.Add(time.Second)
	}
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("callback fired after Disable")
	}
	if snap := m.Snapshot(); snap.Enabled || snap.State != Writing {
		t.Fatalf("unexpected state after Disable: %+v", snap)
	}

	// Re-enabling starts a fresh period.
	m.Enable(context.Background())
	defer m.Disable()
	if m.Check(mock.Now().Add(59 * time.Second)) {
		t.Fatal("fresh period should not be stuck yet")
	}
}

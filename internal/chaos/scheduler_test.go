package chaos

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

func TestDrawIntervalIsUniform(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	const samples = 1000
	third := (DefaultMax - DefaultMin) / 3
	var buckets [3]int
	for i := 0; i < samples; i++ {
		d, err := s.DrawInterval()
		if err != nil {
			t.Fatal(err)
		}
		if d < DefaultMin || d > DefaultMax {
			t.Fatalf("interval %v outside [%v, %v]", d, DefaultMin, DefaultMax)
		}
		if d%time.Millisecond != 0 {
			t.Fatalf("interval %v not at millisecond granularity", d)
		}
		idx := int((d - DefaultMin) / third)
		if idx > 2 {
			idx = 2
		}
		buckets[idx]++
	}

	expected := float64(samples) / 3
	for i, n := range buckets {
		if f := float64(n); f < expected*0.85 || f > expected*1.15 {
			t.Errorf("bucket %d: %d samples, want %.0f ±15%%", i, n, expected)
		}
	}
}

func TestDrawIntervalUsesInjectedSource(t *testing.T) {
	s, err := New(nil, WithRandom(zeroReader{}))
	if err != nil {
		t.Fatal(err)
	}
	d, err := s.DrawInterval()
	if err != nil {
		t.Fatal(err)
	}
	if d != DefaultMin {
		t.Fatalf("zero entropy should draw the minimum, got %v", d)
	}

	s, _ = New(nil, WithRandom(failingReader{}))
	if _, err := s.DrawInterval(); err == nil {
		t.Fatal("expected entropy failure to surface")
	}
	if err := s.Start(); err == nil || s.Active() {
		t.Fatal("start must fail without entropy")
	}
}

func TestNewRejectsBadRange(t *testing.T) {
	if _, err := New(nil, WithRange(time.Minute, time.Second)); err == nil {
		t.Fatal("expected inverted range to be rejected")
	}
}

func TestScheduleFiresAndReschedules(t *testing.T) {
	mock := clock.NewMock()
	fires := make(chan struct{}, 8)
	s, err := New(func() { fires <- struct{}{} }, WithClock(mock), WithRandom(zeroReader{}))
	if err != nil {
		t.Fatal(err)
	}
	start := mock.Now()

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	p, ok := s.Pending()
	if !ok || p.Interval != DefaultMin || !p.ScheduledAt.Equal(start.Add(DefaultMin)) {
		t.Fatalf("unexpected pending %+v", p)
	}

	mock.Add(DefaultMin - time.Second)
	expectNoFire(t, fires)

	mock.Add(time.Second)
	expectFire(t, fires)

	p, ok = s.Pending()
	if !ok || !p.ScheduledAt.Equal(start.Add(2*DefaultMin)) {
		t.Fatalf("expected reschedule at +60s, got %+v", p)
	}

	mock.Add(DefaultMin)
	expectFire(t, fires)
}

func TestManualTriggerLeavesScheduleAlone(t *testing.T) {
	mock := clock.NewMock()
	fires := make(chan struct{}, 8)
	s, _ := New(func() { fires <- struct{}{} }, WithClock(mock), WithRandom(zeroReader{}))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Pending()

	s.ManualTrigger()
	expectFire(t, fires)

	after, _ := s.Pending()
	if after != before {
		t.Fatalf("manual trigger moved the schedule: %+v -> %+v", before, after)
	}
	mock.Add(DefaultMin)
	expectFire(t, fires)
}

func TestStopCancelsExactlyOnce(t *testing.T) {
	mock := clock.NewMock()
	fires := make(chan struct{}, 8)
	s, _ := New(func() { fires <- struct{}{} }, WithClock(mock), WithRandom(zeroReader{}))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	if !s.Stop() {
		t.Fatal("first stop should cancel the pending fire")
	}
	if s.Stop() {
		t.Fatal("second stop should be a no-op")
	}
	if _, ok := s.Pending(); ok {
		t.Fatal("pending fire left after stop")
	}

	mock.Add(10 * DefaultMax)
	expectNoFire(t, fires)
}

func expectFire(t *testing.T, fires <-chan struct{}) {
	t.Helper()
	select {
	case <-fires:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fire")
	}
}

func expectNoFire(t *testing.T, fires <-chan struct{}) {
	t.Helper()
	select {
	case <-fires:
		t.Fatal("unexpected fire")
	case <-time.After(20 * time.Millisecond):
	}
}

package live

import (
	"context"
	"errors"
	"testing"
)

type recordingSink struct {
	etas map[string]int
	err  error
}

func (s *recordingSink) SetNextStopETA(_ context.Context, vehicleID string, etaMinutes int) error {
	if s.err != nil {
		return s.err
	}
	if s.etas == nil {
		s.etas = make(map[string]int)
	}
	s.etas[vehicleID] = etaMinutes
	return nil
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := Multi{a, b}

	if err := m.SetNextStopETA(context.Background(), "bus-1", 7); err != nil {
		t.Fatalf("SetNextStopETA: %v", err)
	}
	if a.etas["bus-1"] != 7 || b.etas["bus-1"] != 7 {
		t.Errorf("sinks = %v / %v, want 7 in both", a.etas, b.etas)
	}
}

func TestMultiContinuesPastFailedSink(t *testing.T) {
	a := &recordingSink{err: errors.New("down")}
	b := &recordingSink{}
	m := Multi{a, b}

	err := m.SetNextStopETA(context.Background(), "bus-1", 7)
	if err == nil {
		t.Fatal("expected error from failed sink")
	}
	if b.etas["bus-1"] != 7 {
		t.Error("second sink not updated after first failed")
	}
}

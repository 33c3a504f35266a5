package prediction

import (
	"testing"

	"starlane.gg/internal/netstats"
	"starlane.gg/internal/sim/phys"
)

const testDt = 1.0 / 30

func newTestPredictor(stats *netstats.Stats) *Predictor {
	return New(phys.NewState(phys.Vec3{}, phys.QuatIdentity()), Config{
		Dt:    testDt,
		Stats: stats,
	})
}

func thrust() phys.Input {
	return phys.Input{Thrust: phys.Vec3{X: 10}}
}

func TestReconciliationReplay(t *testing.T) {
	p := newTestPredictor(nil)

	// Predict 10 ticks of constant thrust.
	for i := 0; i < 10; i++ {
		p.ApplyInput(thrust())
	}

	// Server state at input 5 differs from the client's by a known
	// offset: simulate it by stepping the same inputs from a shifted
	// base.
	offset := phys.Vec3{X: 2, Y: -1, Z: 0.5}
	server := phys.NewState(offset, phys.QuatIdentity())
	for i := 0; i < 5; i++ {
		server = phys.Step(server, thrust(), testDt)
	}

	if err := p.Reconcile(Correction{State: server, LastProcessedSeq: 5}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// Expected: deterministic replay of inputs 6..10 from the corrected
	// tick-5 state.
	want := server
	for i := 0; i < 5; i++ {
		want = phys.Step(want, thrust(), testDt)
	}
	if got := p.State(); got.Pos.Dist(want.Pos) > 1e-9 || got.Vel.Dist(want.Vel) > 1e-9 {
		t.Fatalf("replayed state mismatch:\n got %+v\nwant %+v", got, want)
	}
	if p.PendingInputs() != 5 {
		t.Fatalf("pending inputs: got %d want 5", p.PendingInputs())
	}
	if p.LastAckedSeq() != 5 {
		t.Fatalf("last acked: got %d want 5", p.LastAckedSeq())
	}
}

func TestReconcile_RejectsDuplicateAndOutOfOrder(t *testing.T) {
	p := newTestPredictor(nil)
	for i := 0; i < 6; i++ {
		p.ApplyInput(thrust())
	}
	c := Correction{State: phys.NewState(phys.Vec3{X: 1}, phys.QuatIdentity()), LastProcessedSeq: 4}
	if err := p.Reconcile(c); err != nil {
		t.Fatalf("first correction: %v", err)
	}
	after := p.State()

	if err := p.Reconcile(c); err != ErrStaleCorrection {
		t.Fatalf("duplicate accepted: %v", err)
	}
	old := Correction{State: phys.State{}, LastProcessedSeq: 2}
	if err := p.Reconcile(old); err != ErrStaleCorrection {
		t.Fatalf("out-of-order accepted: %v", err)
	}
	if p.State() != after {
		t.Fatalf("rejected corrections mutated state")
	}
}

func TestHardSnapOnRingOverflow(t *testing.T) {
	stats := netstats.New()
	p := New(phys.State{Orient: phys.QuatIdentity()}, Config{
		Dt:           testDt,
		RingCapacity: 8,
		Stats:        stats,
	})

	// Network stall: more unacknowledged inputs than the ring holds.
	for i := 0; i < 12; i++ {
		p.ApplyInput(thrust())
	}

	confirmed := phys.NewState(phys.Vec3{X: 99}, phys.QuatIdentity())
	if err := p.Reconcile(Correction{State: confirmed, LastProcessedSeq: 6}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// Hard snap: authoritative state adopted verbatim, no replay.
	if got := p.State(); got != confirmed {
		t.Fatalf("expected hard snap to confirmed state, got %+v", got)
	}
	if p.PendingInputs() != 0 {
		t.Fatalf("pending inputs after snap: %d", p.PendingInputs())
	}
	if stats.Export().HardSnaps != 1 {
		t.Fatalf("hard snap not reported")
	}
}

func TestSequenceGapTriggersResync(t *testing.T) {
	p := New(phys.State{Orient: phys.QuatIdentity()}, Config{Dt: testDt, RingCapacity: 16})
	for i := 0; i < 6; i++ {
		p.ApplyInput(thrust())
	}
	// Manufacture a gap: the ring holds 1..6 but the server claims to
	// have processed through a sequence the client never buffered the
	// successor of.
	p.ring.dropThrough(3)
	confirmed := phys.NewState(phys.Vec3{X: 7}, phys.QuatIdentity())
	if err := p.Reconcile(Correction{State: confirmed, LastProcessedSeq: 2}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !p.ResyncNeeded() {
		t.Fatalf("gap did not trigger resync request")
	}
	if p.State() != confirmed {
		t.Fatalf("gap must hard-snap, got %+v", p.State())
	}

	p.Resync(confirmed, 10)
	if p.ResyncNeeded() || p.PendingInputs() != 0 {
		t.Fatalf("resync did not reset predictor")
	}
}

func TestCorrectionQueue_BoundedDropsOldest(t *testing.T) {
	q := newCorrectionQueue(2)
	q.push(Correction{LastProcessedSeq: 1})
	q.push(Correction{LastProcessedSeq: 2})
	q.push(Correction{LastProcessedSeq: 3})
	got := q.drain()
	if len(got) != 2 {
		t.Fatalf("queue length: got %d want 2", len(got))
	}
	if got[len(got)-1].LastProcessedSeq != 3 {
		t.Fatalf("newest correction lost: %+v", got)
	}
}

func TestDrainCorrections_AppliedAtTickStart(t *testing.T) {
	stats := netstats.New()
	p := newTestPredictor(stats)
	for i := 0; i < 4; i++ {
		p.ApplyInput(thrust())
	}
	p.EnqueueCorrection(Correction{State: phys.NewState(phys.Vec3{X: 1}, phys.QuatIdentity()), LastProcessedSeq: 2})
	p.EnqueueCorrection(Correction{State: phys.NewState(phys.Vec3{X: 2}, phys.QuatIdentity()), LastProcessedSeq: 4})

	if n := p.DrainCorrections(); n != 2 {
		t.Fatalf("applied %d corrections, want 2", n)
	}
	if p.LastAckedSeq() != 4 {
		t.Fatalf("last acked: got %d", p.LastAckedSeq())
	}
	if stats.Export().ReconciliationCount != 2 {
		t.Fatalf("reconciliation count: %d", stats.Export().ReconciliationCount)
	}
	if stats.Export().AveragePredictionError < 0 {
		t.Fatalf("prediction error not recorded")
	}
}

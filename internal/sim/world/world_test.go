package world

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"starlane.gg/internal/netstats"
	"starlane.gg/internal/sim/consensus"
	"starlane.gg/internal/sim/phys"
	"starlane.gg/internal/sim/replication"
	"starlane.gg/internal/sim/tuning"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	cfg := tuning.Default()
	cfg.Consensus.SweepEveryTicks = 2
	stats := netstats.New()
	logger := log.New(os.Stderr, "[world-test] ", 0)
	v := consensus.NewValidator(consensus.Config{
		Quorum:         cfg.Consensus.Quorum,
		ValidityWindow: time.Duration(cfg.Consensus.ValidityWindowMs) * time.Millisecond,
		Shards:         cfg.Consensus.Shards,
	})
	m := replication.NewManager(cfg.Replication.StalenessWeight, stats, logger)
	return New(cfg, v, m, stats, logger)
}

func joinSession(t *testing.T, w *World, id string) chan []byte {
	t.Helper()
	out := make(chan []byte, 16)
	resp := make(chan JoinResponse, 1)
	w.handleJoin(JoinRequest{SessionID: id, Out: out, Resp: resp})
	r := <-resp
	if r.TickRateHz != w.cfg.TickRateHz {
		t.Fatalf("join response tick rate: %d", r.TickRateHz)
	}
	return out
}

func spawnControlled(t *testing.T, w *World, session string) uint64 {
	t.Helper()
	resp := make(chan SpawnResponse, 1)
	w.handleSpawn(SpawnRequest{
		SessionID: session,
		Kind:      phys.KindShip,
		Pos:       phys.Vec3{X: 1},
		Orient:    phys.QuatIdentity(),
		Resp:      resp,
	})
	r := <-resp
	if r.Err != nil {
		t.Fatalf("spawn: %v", r.Err)
	}
	return r.EntityID
}

func TestSpawn_UnknownKindChecked(t *testing.T) {
	w := newTestWorld(t)
	if _, err := w.SpawnDirect("dreadnought", phys.Vec3{}, phys.QuatIdentity(), 1); err == nil {
		t.Fatalf("unknown kind must be a checked error")
	}
	if _, err := w.SpawnDirect(phys.KindOrbital, phys.Vec3{}, phys.QuatIdentity(), 1); err != nil {
		t.Fatalf("spawn orbital: %v", err)
	}
}

func TestInputs_AppliedInSequenceOrderOnce(t *testing.T) {
	w := newTestWorld(t)
	joinSession(t, w, "s1")
	id := spawnControlled(t, w, "s1")

	in := phys.Input{Thrust: phys.Vec3{X: 10}}
	// Deliver out of order, with a duplicate.
	for _, seq := range []uint32{2, 1, 3, 2} {
		w.bufferInput(InputEnvelope{SessionID: "s1", Seq: seq, Input: in})
	}
	w.StepOnce()

	// Expected: exactly three steps from the spawn state.
	want := phys.NewState(phys.Vec3{X: 1}, phys.QuatIdentity())
	for i := 0; i < 3; i++ {
		want = phys.Step(want, in, w.dt)
	}
	got := w.entities[id].body.State()
	if got.Pos.Dist(want.Pos) > 1e-12 {
		t.Fatalf("state after ordered apply:\n got %+v\nwant %+v", got, want)
	}
	if w.sessions["s1"].lastApplied != 3 {
		t.Fatalf("lastApplied: %d", w.sessions["s1"].lastApplied)
	}

	// Replaying an old sequence later must be a no-op.
	w.bufferInput(InputEnvelope{SessionID: "s1", Seq: 2, Input: in})
	w.StepOnce()
	if w.sessions["s1"].lastApplied != 3 {
		t.Fatalf("duplicate advanced sequence: %d", w.sessions["s1"].lastApplied)
	}
}

func TestInputs_GapHeldNotExtrapolated(t *testing.T) {
	w := newTestWorld(t)
	joinSession(t, w, "s1")
	id := spawnControlled(t, w, "s1")
	base := w.entities[id].body.State()

	// Seq 1 missing: 2 and 3 must be held, not applied.
	in := phys.Input{Thrust: phys.Vec3{X: 10}}
	w.bufferInput(InputEnvelope{SessionID: "s1", Seq: 2, Input: in})
	w.bufferInput(InputEnvelope{SessionID: "s1", Seq: 3, Input: in})
	w.StepOnce()

	if got := w.entities[id].body.State(); got != base {
		t.Fatalf("inputs applied across a gap")
	}

	// The hole closes: all three apply on the next tick.
	w.bufferInput(InputEnvelope{SessionID: "s1", Seq: 1, Input: in})
	w.StepOnce()
	if w.sessions["s1"].lastApplied != 3 {
		t.Fatalf("lastApplied after gap closed: %d", w.sessions["s1"].lastApplied)
	}
}

func TestResyncRequest_RebasesSession(t *testing.T) {
	w := newTestWorld(t)
	out := joinSession(t, w, "s1")
	spawnControlled(t, w, "s1")

	in := phys.Input{Thrust: phys.Vec3{X: 1}}
	w.bufferInput(InputEnvelope{SessionID: "s1", Seq: 1, Input: in})
	// Stall: a wide hole past the hold limit marks the stream gapped.
	for seq := uint32(10); seq < uint32(10+gapHoldLimit+1); seq++ {
		w.bufferInput(InputEnvelope{SessionID: "s1", Seq: seq, Input: in})
	}
	w.StepOnce()

	s := w.sessions["s1"]
	if len(s.held) != 0 {
		t.Fatalf("held buffer survived resync: %d", len(s.held))
	}
	if s.lastApplied < 10+gapHoldLimit-1 {
		t.Fatalf("sequence not fast-forwarded: %d", s.lastApplied)
	}

	// The client must have received a RESYNC frame.
	found := false
	for len(out) > 0 {
		b := <-out
		var base struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(b, &base) == nil && base.Type == "RESYNC" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no RESYNC frame sent")
	}
}

func TestTick_BroadcastsDecodableSnapshots(t *testing.T) {
	w := newTestWorld(t)
	out := joinSession(t, w, "s1")
	id, err := w.SpawnDirect(phys.KindOrbital, phys.Vec3{X: 5}, phys.QuatIdentity(), 2)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	w.StepOnce()

	var snapRaw []byte
	for len(out) > 0 {
		b := <-out
		var base struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(b, &base) == nil && base.Type == "SNAPSHOT" {
			snapRaw = b
		}
	}
	if snapRaw == nil {
		t.Fatalf("no snapshot broadcast")
	}

	var snap struct {
		Tick uint64   `json:"tick"`
		Rows []string `json:"rows"`
	}
	if err := json.Unmarshal(snapRaw, &snap); err != nil {
		t.Fatalf("snapshot decode: %v", err)
	}
	if snap.Tick != 1 || len(snap.Rows) != 1 {
		t.Fatalf("snapshot shape: %+v", snap)
	}
	comp, err := base64.StdEncoding.DecodeString(snap.Rows[0])
	if err != nil {
		t.Fatalf("row base64: %v", err)
	}
	raw, err := replication.Decompress(comp)
	if err != nil {
		t.Fatalf("row decompress: %v", err)
	}
	row, err := replication.DecodeRow(raw)
	if err != nil {
		t.Fatalf("row decode: %v", err)
	}
	if row.EntityID != id || !row.Full() {
		t.Fatalf("first row should be a full state for entity %d: %+v", id, row)
	}
}

func TestDespawn_LeavesNoDanglingControl(t *testing.T) {
	w := newTestWorld(t)
	joinSession(t, w, "s1")
	id := spawnControlled(t, w, "s1")

	w.handleDespawn(id)
	if w.sessions["s1"].entityID != 0 {
		t.Fatalf("session still controls despawned entity")
	}
	w.StepOnce() // must not panic on the missing entity

	// Consensus records for the dead target age out via the sweep.
	at := time.Now()
	for i := 0; i < 2; i++ {
		w.validator.Submit(consensus.Measurement{
			ObserverID: uint64(i + 1),
			TargetID:   id,
			Origin:     phys.Vec3{X: float64(10 * (i + 1))},
			Dir:        phys.Vec3{X: -1},
			Distance:   10,
			Scale:      1,
			At:         at,
		})
	}
	if _, ok := w.validator.Record(id); !ok {
		t.Fatalf("expected collecting record for despawned target")
	}
}

func TestRespawn_ReleasesPreviousBody(t *testing.T) {
	w := newTestWorld(t)
	joinSession(t, w, "s1")
	first := spawnControlled(t, w, "s1")
	w.entities[first].rep.LastProcessedInputSeq = 12

	second := spawnControlled(t, w, "s1")
	if second == first {
		t.Fatalf("respawn reused entity %d", first)
	}
	if w.sessions["s1"].entityID != second {
		t.Fatalf("session controls %d, want %d", w.sessions["s1"].entityID, second)
	}

	// The old body stays in the world but must be fully server-owned:
	// no control link, no stale input seq riding along in its rows.
	prev := w.entities[first].rep
	if prev.ControlledBy != "" {
		t.Fatalf("previous body still controlled by %q", prev.ControlledBy)
	}
	if prev.LastProcessedInputSeq != 0 {
		t.Fatalf("previous body carries input seq %d", prev.LastProcessedInputSeq)
	}
	if w.entities[second].rep.ControlledBy != "s1" {
		t.Fatalf("new body not controlled by session")
	}
}

func TestTickLogEntry_Emitted(t *testing.T) {
	w := newTestWorld(t)
	if _, err := w.SpawnDirect(phys.KindBeacon, phys.Vec3{}, phys.QuatIdentity(), 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	var entries []TickLogEntry
	w.SetTickSink(func(e TickLogEntry) { entries = append(entries, e) })

	w.StepOnce()
	w.StepOnce()
	if len(entries) != 2 {
		t.Fatalf("tick sink entries: %d", len(entries))
	}
	if entries[0].Tick != 1 || entries[0].Entities != 1 || entries[0].Sent != 1 {
		t.Fatalf("entry shape: %+v", entries[0])
	}
}

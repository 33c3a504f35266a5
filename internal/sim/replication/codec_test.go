package replication

import (
	"testing"

	"starlane.gg/internal/sim/phys"
)

func TestCodec_FullRowThenDelta(t *testing.T) {
	e := mkEntity(42, 1)
	e.State.Vel = phys.Vec3{X: 3, Y: -1, Z: 0.5}

	raw, err := EncodeDelta(e, 9)
	if err != nil {
		t.Fatalf("encode full: %v", err)
	}
	row, err := DecodeRow(raw)
	if err != nil {
		t.Fatalf("decode full: %v", err)
	}
	if !row.Full() || row.EntityID != 42 || row.Tick != 9 {
		t.Fatalf("full row header wrong: %+v", row)
	}
	view := row.Apply(phys.State{})
	if view.Pos.Dist(e.State.Pos) > 1e-3 || view.Vel.Dist(e.State.Vel) > 1e-3 {
		t.Fatalf("full row state mismatch: %+v", view)
	}

	// Advance only velocity: the delta must mask out unchanged groups.
	sent := e.State
	e.LastSent = &sent
	e.State.Vel.X = 10

	raw, err = EncodeDelta(e, 10)
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	row, err = DecodeRow(raw)
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if row.Full() {
		t.Fatalf("expected partial row")
	}
	if row.Mask&maskVel == 0 || row.Mask&maskPos != 0 || row.Mask&maskOrient != 0 {
		t.Fatalf("mask wrong: %08b", row.Mask)
	}
	next := row.Apply(view)
	if next.Vel.X != 10 || next.Pos != view.Pos {
		t.Fatalf("delta apply wrong: %+v", next)
	}
}

func TestCodec_HeartbeatRow(t *testing.T) {
	e := mkEntity(3, 1)
	sent := e.State
	e.LastSent = &sent

	raw, err := EncodeDelta(e, 5)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	row, err := DecodeRow(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if row.Mask != 0 {
		t.Fatalf("unchanged entity produced non-empty mask: %08b", row.Mask)
	}
	if len(raw) > 12 {
		t.Fatalf("heartbeat row unexpectedly large: %d bytes", len(raw))
	}
}

func TestCodec_ControlledEntityCarriesInputSeq(t *testing.T) {
	e := mkEntity(8, 1)
	e.ControlledBy = "session-1"
	e.LastProcessedInputSeq = 977

	raw, err := EncodeDelta(e, 3)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	row, err := DecodeRow(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !row.HasInputSeq || row.LastProcessedSeq != 977 {
		t.Fatalf("input seq lost: %+v", row)
	}
}

func TestCompress_RoundTrip(t *testing.T) {
	e := mkEntity(1, 1)
	raw, err := EncodeDelta(e, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	comp := Compress(raw)
	back, err := Decompress(comp)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(back) != string(raw) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestDecodeRow_Truncated(t *testing.T) {
	e := mkEntity(1, 1)
	e.State.Pos = phys.Vec3{X: 1.5, Y: 2.5, Z: 3.5}
	raw, err := EncodeDelta(e, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Every short prefix must fail, including a cut inside the final
	// float32, which must not decode as a zero-padded component.
	for n := 0; n < len(raw); n++ {
		if _, err := DecodeRow(raw[:n]); err == nil {
			t.Fatalf("decoded %d of %d bytes without error", n, len(raw))
		}
	}
}

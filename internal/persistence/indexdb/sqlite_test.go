package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"starlane.gg/internal/sim/consensus"
	"starlane.gg/internal/sim/tuning"
	"starlane.gg/internal/sim/world"
)

func TestSQLiteIndex_WriteAndQueryBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	if err := idx.RecordTuning(tuning.Default()); err != nil {
		t.Fatalf("RecordTuning: %v", err)
	}

	for tick := uint64(1); tick <= 5; tick++ {
		if err := idx.WriteTick(world.TickLogEntry{
			Tick:             tick,
			Entities:         3,
			Sent:             2,
			Bytes:            128,
			CompressionRatio: 0.4,
		}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	idx.RecordResolution(world.Resolution{
		Tick:       3,
		TargetID:   42,
		Position:   [3]float64{1, 2, 3},
		Confidence: 0.9,
		Distinct:   4,
	})
	idx.RecordDisagreement(consensus.Disagreement{
		TargetID:  42,
		Deviation: 31.5,
	})

	// Close drains the channel and commits.
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var ticks int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&ticks); err != nil {
		t.Fatalf("count ticks: %v", err)
	}
	if ticks != 5 {
		t.Fatalf("ticks=%d want=5", ticks)
	}

	var x, y, z, conf float64
	var distinct int
	if err := db.QueryRow(`SELECT x,y,z,confidence,distinct_observers FROM resolutions WHERE target_id=42 AND tick=3`).
		Scan(&x, &y, &z, &conf, &distinct); err != nil {
		t.Fatalf("query resolution: %v", err)
	}
	if x != 1 || y != 2 || z != 3 || conf != 0.9 || distinct != 4 {
		t.Fatalf("resolution row: (%v,%v,%v) conf=%v distinct=%d", x, y, z, conf, distinct)
	}

	var dev float64
	if err := db.QueryRow(`SELECT deviation FROM disagreements WHERE target_id=42`).Scan(&dev); err != nil {
		t.Fatalf("query disagreement: %v", err)
	}
	if dev != 31.5 {
		t.Fatalf("deviation=%v want=31.5", dev)
	}

	var tuningJSON string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='tuning'`).Scan(&tuningJSON); err != nil {
		t.Fatalf("query tuning meta: %v", err)
	}
	if tuningJSON == "" {
		t.Fatal("empty tuning meta")
	}
}

func TestSQLiteIndex_DropsWhenQueueFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: world.TickLogEntry{Tick: 1}}

	// Queue is full; these must not block.
	if err := s.WriteTick(world.TickLogEntry{Tick: 2}); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}
	s.RecordResolution(world.Resolution{Tick: 2, TargetID: 1})
	s.RecordDisagreement(consensus.Disagreement{TargetID: 1})

	if len(s.ch) != 1 {
		t.Fatalf("queue depth=%d want=1", len(s.ch))
	}
}

func TestSQLiteIndex_WriteAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.WriteTick(world.TickLogEntry{Tick: 1}); err != nil {
		t.Fatalf("WriteTick after close: %v", err)
	}
	idx.RecordResolution(world.Resolution{Tick: 1})
}

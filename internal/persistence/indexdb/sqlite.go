// Package indexdb maintains a queryable sqlite read model beside the
// JSONL logs. Writes are funneled through a single goroutine over a
// buffered channel; when the channel is full the row is dropped, since
// the JSONL logs remain the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"starlane.gg/internal/sim/consensus"
	"starlane.gg/internal/sim/tuning"
	"starlane.gg/internal/sim/world"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqResolution
	reqDisagreement
)

type req struct {
	kind reqKind

	tick         world.TickLogEntry
	resolution   world.Resolution
	disagreement consensus.Disagreement
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: a burst of resolutions from many observers must
		// not stall the tick loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			entities INTEGER NOT NULL,
			sent INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			compression_ratio REAL NOT NULL,
			resolved INTEGER NOT NULL,
			disagreements INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS resolutions (
			tick INTEGER NOT NULL,
			target_id INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			confidence REAL NOT NULL,
			distinct_observers INTEGER NOT NULL,
			PRIMARY KEY (tick, target_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_resolutions_target_tick ON resolutions(target_id, tick);`,
		`CREATE TABLE IF NOT EXISTS disagreements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id INTEGER NOT NULL,
			deviation REAL NOT NULL,
			confidence REAL NOT NULL,
			recorded_at TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_disagreements_target ON disagreements(target_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// RecordTuning stores the values actually applied this run, so a replay
// of the logs can be matched against the configuration that produced it.
func (s *SQLiteIndex) RecordTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('tuning',?)`, string(b)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
	}
	return nil
}

func (s *SQLiteIndex) RecordResolution(r world.Resolution) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqResolution, resolution: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordDisagreement(d consensus.Disagreement) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqDisagreement, disagreement: d}:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,entities,sent,bytes,compression_ratio,resolved,disagreements,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertResolution, _ := s.db.Prepare(`INSERT OR REPLACE INTO resolutions(tick,target_id,x,y,z,confidence,distinct_observers) VALUES(?,?,?,?,?,?,?)`)
	insertDisagreement, _ := s.db.Prepare(`INSERT INTO disagreements(target_id,deviation,confidence,recorded_at,raw_json) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertResolution != nil {
			_ = insertResolution.Close()
		}
		if insertDisagreement != nil {
			_ = insertDisagreement.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			b, _ := json.Marshal(r.tick)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(r.tick.Tick),
					r.tick.Entities,
					r.tick.Sent,
					r.tick.Bytes,
					r.tick.CompressionRatio,
					r.tick.Resolved,
					r.tick.Disagreements,
					string(b),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqResolution:
			res := r.resolution
			if insertResolution != nil {
				if _, err := tx.Stmt(insertResolution).Exec(
					int64(res.Tick),
					int64(res.TargetID),
					res.Position[0], res.Position[1], res.Position[2],
					res.Confidence,
					res.Distinct,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqDisagreement:
			d := r.disagreement
			raw, _ := json.Marshal(d)
			if insertDisagreement != nil {
				if _, err := tx.Stmt(insertDisagreement).Exec(
					int64(d.TargetID),
					d.Deviation,
					d.Confidence,
					time.Now().UTC().Format(time.RFC3339Nano),
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

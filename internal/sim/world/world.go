// Package world owns the authoritative simulation: the entity table, the
// fixed-tick loop, ordered input application per connection, and the
// per-tick replication pass. A single goroutine runs the loop and is the
// only writer of authoritative entity state; everything else reaches it
// through channels.
package world

import (
	"fmt"
	"log"
	"sync/atomic"

	"starlane.gg/internal/netstats"
	"starlane.gg/internal/sim/consensus"
	"starlane.gg/internal/sim/phys"
	"starlane.gg/internal/sim/replication"
	"starlane.gg/internal/sim/tuning"
)

// gapHoldLimit bounds how many out-of-order inputs a session may hold
// before the stream is declared gapped and resynced.
const gapHoldLimit = 64

type entity struct {
	body phys.Body
	rep  *replication.Entity
}

// Session is one connected client as the world sees it.
type Session struct {
	ID  string
	Out chan []byte

	entityID uint64 // 0 until a spawn grants control

	lastApplied uint32
	held        map[uint32]phys.Input
	gapped      bool
}

// TickLogEntry is the per-tick JSONL record consumed by the persistence
// layer and the sqlite index.
type TickLogEntry struct {
	Tick             uint64  `json:"tick"`
	Entities         int     `json:"entities"`
	Sent             int     `json:"sent"`
	Bytes            int     `json:"bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
	Resolved         int     `json:"resolved"`
	Disagreements    int     `json:"disagreements"`
}

// Resolution records one consensus resolution for the read-model index.
type Resolution struct {
	Tick       uint64     `json:"tick"`
	TargetID   uint64     `json:"target_id"`
	Position   [3]float64 `json:"position"`
	Confidence float64    `json:"confidence"`
	Distinct   int        `json:"distinct"`
}

type World struct {
	cfg    tuning.Tuning
	logger *log.Logger
	dt     float64

	tick         atomic.Uint64
	nextEntityID uint64

	entities map[uint64]*entity
	order    []uint64 // entity iteration order, insertion-stable

	sessions map[string]*Session

	validator *consensus.Validator
	repl      *replication.Manager
	stats     *netstats.Stats

	join      chan JoinRequest
	leave     chan string
	inbox     chan InputEnvelope
	spawns    chan SpawnRequest
	despawns  chan uint64
	resyncReq chan string
	stop      chan struct{}

	sched *scheduler

	// Sinks are advisory: nil sinks are skipped, slow sinks are the
	// consumer's problem, never the tick's.
	tickSink         func(TickLogEntry)
	resolutionSink   func(Resolution)
	disagreementSink func(consensus.Disagreement)

	seenResolved map[uint64]bool
}

type JoinRequest struct {
	SessionID string
	Out       chan []byte
	Resp      chan JoinResponse
}

type JoinResponse struct {
	TickRateHz int
	Quorum     int
}

type InputEnvelope struct {
	SessionID string
	Seq       uint32
	Input     phys.Input
}

type SpawnRequest struct {
	SessionID string // empty for server-owned entities
	Kind      string
	Pos       phys.Vec3
	Orient    phys.Quat
	Priority  float64
	Resp      chan SpawnResponse
}

type SpawnResponse struct {
	EntityID uint64
	Err      error
}

func New(cfg tuning.Tuning, validator *consensus.Validator, repl *replication.Manager, stats *netstats.Stats, logger *log.Logger) *World {
	sched := newScheduler()
	sched.add(taskConsensusSweep, uint64(cfg.Consensus.SweepEveryTicks), 0)
	sched.add(taskCrossCheck, 1, 0)
	return &World{
		cfg:          cfg,
		logger:       logger,
		dt:           1.0 / float64(cfg.TickRateHz),
		entities:     make(map[uint64]*entity),
		sessions:     make(map[string]*Session),
		validator:    validator,
		repl:         repl,
		stats:        stats,
		join:         make(chan JoinRequest, 16),
		leave:        make(chan string, 16),
		inbox:        make(chan InputEnvelope, 1024),
		spawns:       make(chan SpawnRequest, 64),
		despawns:     make(chan uint64, 64),
		resyncReq:    make(chan string, 64),
		stop:         make(chan struct{}),
		sched:        sched,
		seenResolved: make(map[uint64]bool),
	}
}

func (w *World) Tick() uint64 { return w.tick.Load() }

func (w *World) Join() chan<- JoinRequest        { return w.join }
func (w *World) Leave() chan<- string            { return w.leave }
func (w *World) Inbox() chan<- InputEnvelope     { return w.inbox }
func (w *World) Spawns() chan<- SpawnRequest     { return w.spawns }
func (w *World) Despawns() chan<- uint64         { return w.despawns }
func (w *World) ResyncReqs() chan<- string       { return w.resyncReq }
func (w *World) Validator() *consensus.Validator { return w.validator }

func (w *World) SetTickSink(f func(TickLogEntry))                   { w.tickSink = f }
func (w *World) SetResolutionSink(f func(Resolution))               { w.resolutionSink = f }
func (w *World) SetDisagreementSink(f func(consensus.Disagreement)) { w.disagreementSink = f }

// AuthoritativePos implements consensus.PositionSource. Called only from
// the tick goroutine during the cross-check pass.
func (w *World) AuthoritativePos(targetID uint64) (phys.Vec3, bool) {
	e, ok := w.entities[targetID]
	if !ok {
		return phys.Vec3{}, false
	}
	return e.body.State().Pos, true
}

func (w *World) handleJoin(req JoinRequest) {
	w.sessions[req.SessionID] = &Session{
		ID:   req.SessionID,
		Out:  req.Out,
		held: make(map[uint32]phys.Input),
	}
	if req.Resp != nil {
		req.Resp <- JoinResponse{TickRateHz: w.cfg.TickRateHz, Quorum: w.cfg.Consensus.Quorum}
	}
}

func (w *World) handleLeave(sessionID string) {
	s, ok := w.sessions[sessionID]
	if !ok {
		return
	}
	// Loss of control: the entity stays in the world server-owned; its
	// consensus records age out naturally.
	if s.entityID != 0 {
		if e, ok := w.entities[s.entityID]; ok {
			e.rep.ControlledBy = ""
		}
	}
	delete(w.sessions, sessionID)
}

func (w *World) handleSpawn(req SpawnRequest) {
	body, err := phys.NewBody(req.Kind)
	if err != nil {
		if req.Resp != nil {
			req.Resp <- SpawnResponse{Err: err}
		}
		return
	}
	body.SetState(phys.NewState(req.Pos, req.Orient))

	w.nextEntityID++
	id := w.nextEntityID
	prio := req.Priority
	if prio == 0 {
		prio = 1
	}
	e := &entity{
		body: body,
		rep: &replication.Entity{
			ID:       id,
			Kind:     req.Kind,
			State:    body.State(),
			Priority: prio,
			InZone:   true,
		},
	}
	w.entities[id] = e
	w.order = append(w.order, id)

	if req.SessionID != "" {
		if s, ok := w.sessions[req.SessionID]; ok {
			// A respawn releases the old body: it stays in the world as a
			// server-owned entity, but must stop carrying an input seq.
			if prev := w.controlledEntity(s); prev != nil {
				prev.rep.ControlledBy = ""
				prev.rep.LastProcessedInputSeq = 0
			}
			s.entityID = id
			e.rep.ControlledBy = req.SessionID
		}
	}
	if req.Resp != nil {
		req.Resp <- SpawnResponse{EntityID: id}
	}
}

func (w *World) handleDespawn(id uint64) {
	if _, ok := w.entities[id]; !ok {
		return
	}
	delete(w.entities, id)
	for i, eid := range w.order {
		if eid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	for _, s := range w.sessions {
		if s.entityID == id {
			s.entityID = 0
		}
	}
	// Dangling consensus records for the despawned target expire via the
	// validator sweep; no explicit teardown needed.
}

// SpawnDirect creates a server-owned entity before the loop starts. Used
// by setup code and tests; not safe once Run is live.
func (w *World) SpawnDirect(kind string, pos phys.Vec3, orient phys.Quat, priority float64) (uint64, error) {
	if !phys.KnownKind(kind) {
		return 0, fmt.Errorf("unknown body kind %q", kind)
	}
	resp := make(chan SpawnResponse, 1)
	w.handleSpawn(SpawnRequest{Kind: kind, Pos: pos, Orient: orient, Priority: priority, Resp: resp})
	r := <-resp
	return r.EntityID, r.Err
}

// sendLatest drops one queued frame instead of blocking the tick when a
// client's send buffer is full.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

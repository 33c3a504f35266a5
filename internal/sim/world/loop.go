package world

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"starlane.gg/internal/protocol"
	"starlane.gg/internal/sim/phys"
	"starlane.gg/internal/sim/replication"
)

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			w.handleJoin(req)
		case id := <-w.leave:
			w.handleLeave(id)
		case req := <-w.spawns:
			w.handleSpawn(req)
		case id := <-w.despawns:
			w.handleDespawn(id)
		case id := <-w.resyncReq:
			if s, ok := w.sessions[id]; ok {
				s.gapped = true
			}
		case env := <-w.inbox:
			w.bufferInput(env)
		case <-ticker.C:
			w.stepOnce()
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// StepOnce advances the world by one tick outside the ticker, with the
// same ordering semantics as Run. For deterministic tests and replays.
func (w *World) StepOnce() uint64 {
	w.stepOnce()
	return w.tick.Load()
}

func (w *World) stepOnce() {
	tick := w.tick.Add(1)
	if w.stats != nil {
		w.stats.BeginTick()
	}

	// 1. Inputs in strict per-session sequence order.
	w.applyInputs()

	// 2. Physics for server-owned bodies. Controlled bodies advance only
	// through their input stream so both sides step identically.
	for _, id := range w.order {
		e := w.entities[id]
		if e.rep.ControlledBy == "" {
			e.body.Step(phys.Input{}, w.dt)
		}
		e.rep.State = e.body.State()
	}

	// 3. Scheduled consensus work.
	resolvedCount, disagreements := 0, 0
	for _, kind := range w.sched.due(tick) {
		switch kind {
		case taskConsensusSweep:
			for _, id := range w.validator.Sweep() {
				delete(w.seenResolved, id)
			}
		case taskCrossCheck:
			resolvedCount, disagreements = w.crossCheck(tick)
		}
	}

	// 4. Replication under this tick's budget. Each controlled entity's
	// row must pair the post-input state with the sequence applied this
	// tick, or the owning client replays an input twice.
	for _, s := range w.sessions {
		if e := w.controlledEntity(s); e != nil {
			e.rep.LastProcessedInputSeq = s.lastApplied
		}
	}
	deltas := w.repl.Replicate(w.replicationList(), w.tickBudget(), tick)

	// 5. Broadcast.
	if len(w.sessions) > 0 {
		rows := make([]string, 0, len(deltas))
		for _, d := range deltas {
			rows = append(rows, base64.StdEncoding.EncodeToString(d.Payload))
		}
		snap := protocol.SnapshotMsg{
			Type:            protocol.TypeSnapshot,
			ProtocolVersion: protocol.Version,
			Tick:            tick,
			Rows:            rows,
		}
		if b, err := json.Marshal(snap); err == nil {
			for _, s := range w.sessions {
				sendLatest(s.Out, b)
			}
		}
	}

	if w.tickSink != nil {
		bytes := 0
		for _, d := range deltas {
			bytes += len(d.Payload)
		}
		ratio := 1.0
		if w.stats != nil {
			ratio = w.stats.CompressionRatio()
		}
		w.tickSink(TickLogEntry{
			Tick:             tick,
			Entities:         len(w.entities),
			Sent:             len(deltas),
			Bytes:            bytes,
			CompressionRatio: ratio,
			Resolved:         resolvedCount,
			Disagreements:    disagreements,
		})
	}
}

// tickBudget derives the replication byte budget, optionally shrinking it
// as the packet loss EMA rises.
func (w *World) tickBudget() int {
	budget := w.cfg.Replication.BudgetBytesPerTick
	if w.cfg.Replication.ScaleBudgetByLoss && w.stats != nil {
		scaled := float64(budget) * (1 - w.stats.PacketLossRatio())
		if scaled < float64(budget)/4 {
			scaled = float64(budget) / 4
		}
		budget = int(scaled)
	}
	return budget
}

// crossCheck compares freshly resolved consensus positions against the
// authoritative state. Disagreements are flagged to the sink; nothing is
// auto-corrected.
func (w *World) crossCheck(tick uint64) (resolved, flagged int) {
	for _, rv := range w.validator.ResolvedTargets() {
		resolved++
		if !w.seenResolved[rv.TargetID] {
			w.seenResolved[rv.TargetID] = true
			if w.resolutionSink != nil {
				w.resolutionSink(Resolution{
					Tick:       tick,
					TargetID:   rv.TargetID,
					Position:   rv.Position.Arr(),
					Confidence: rv.Confidence,
					Distinct:   rv.Distinct,
				})
			}
		}
		d, bad, ok := w.validator.ValidateAgainstAuthoritative(rv.TargetID, w, w.cfg.Consensus.DisagreementTolerance)
		if !ok || !bad {
			continue
		}
		flagged++
		if w.disagreementSink != nil {
			w.disagreementSink(d)
		}
		if w.logger != nil {
			w.logger.Printf("consensus disagreement target=%d deviation=%.2f", d.TargetID, d.Deviation)
		}
	}
	return resolved, flagged
}

func (w *World) replicationList() []*replication.Entity {
	out := make([]*replication.Entity, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.entities[id].rep)
	}
	return out
}

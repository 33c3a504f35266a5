package world

import (
	"encoding/json"
	"sort"

	"starlane.gg/internal/protocol"
	"starlane.gg/internal/sim/phys"
)

// bufferInput stages one envelope on its session. Duplicates and already-
// applied sequence numbers are dropped here; application happens in
// applyInputs during the tick, in strict sequence order.
func (w *World) bufferInput(env InputEnvelope) {
	s, ok := w.sessions[env.SessionID]
	if !ok {
		return
	}
	if env.Seq <= s.lastApplied {
		return
	}
	if _, dup := s.held[env.Seq]; dup {
		return
	}
	s.held[env.Seq] = env.Input
	if w.stats != nil {
		w.stats.ObservePacket(false)
	}
	if len(s.held) > gapHoldLimit {
		// A hole the buffer can no longer bridge: resync instead of
		// extrapolating over the missing inputs.
		s.gapped = true
	}
}

// applyInputs drains each session's contiguous input run through the
// step function. One input, one step: the authoritative side advances a
// controlled body exactly the way the owning client predicted it, and a
// sequence number can never be applied twice.
func (w *World) applyInputs() {
	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := w.sessions[id]
		if s.gapped {
			w.sendResync(s)
			continue
		}
		e := w.controlledEntity(s)
		for {
			in, ok := s.held[s.lastApplied+1]
			if !ok {
				break
			}
			delete(s.held, s.lastApplied+1)
			s.lastApplied++
			if e != nil {
				e.body.Step(in, w.dt)
			}
		}
	}
}

func (w *World) controlledEntity(s *Session) *entity {
	if s.entityID == 0 {
		return nil
	}
	return w.entities[s.entityID]
}

// sendResync rebases a gapped or explicitly resyncing session: drop the
// held buffer, fast-forward the acknowledged sequence past the hole, and
// push the full authoritative state.
func (w *World) sendResync(s *Session) {
	s.gapped = false
	maxHeld := s.lastApplied
	for seq := range s.held {
		if seq > maxHeld {
			maxHeld = seq
		}
	}
	if w.stats != nil {
		// Every sequence inside the abandoned hole was a lost packet.
		for seq := s.lastApplied + 1; seq <= maxHeld; seq++ {
			if _, ok := s.held[seq]; !ok {
				w.stats.ObservePacket(true)
			}
		}
	}
	s.held = make(map[uint32]phys.Input)
	s.lastApplied = maxHeld

	e := w.controlledEntity(s)
	if e == nil {
		return
	}
	st := e.body.State()
	msg := protocol.ResyncMsg{
		Type:             protocol.TypeResync,
		ProtocolVersion:  protocol.Version,
		Tick:             w.tick.Load(),
		EntityID:         s.entityID,
		Position:         st.Pos.Arr(),
		Velocity:         st.Vel.Arr(),
		Orientation:      st.Orient.Arr(),
		AngularVelocity:  st.AngVel.Arr(),
		LastProcessedSeq: s.lastApplied,
	}
	if b, err := json.Marshal(msg); err == nil {
		sendLatest(s.Out, b)
	}
	if w.logger != nil {
		w.logger.Printf("resync session=%s entity=%d seq=%d", s.ID, s.entityID, s.lastApplied)
	}
}

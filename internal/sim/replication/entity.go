package replication

import "starlane.gg/internal/sim/phys"

// Entity is one replicable body as the replication layer sees it. The
// authoritative State is written only by the simulation tick; this layer
// reads it and tracks what each downstream peer last saw.
type Entity struct {
	ID   uint64
	Kind string

	State phys.State

	// LastSent is the snapshot deltas are computed against. It is nil
	// until the first successful send and only advances after a delta is
	// accepted into a tick's budget.
	LastSent *phys.State

	// Priority and InZone come from the relevancy layer and are consumed
	// read-only here.
	Priority float64
	InZone   bool

	LastReplicatedTick uint64

	// ControlledBy is the session driving this entity, empty for
	// server-owned bodies. Controlled entities carry the last processed
	// input sequence on the wire so the client can reconcile.
	ControlledBy          string
	LastProcessedInputSeq uint32
}

// Staleness is the tick count since the entity was last replicated.
func (e *Entity) Staleness(tick uint64) uint64 {
	if tick <= e.LastReplicatedTick {
		return 0
	}
	return tick - e.LastReplicatedTick
}

// EffectivePriority grows without bound while an entity is unsent, so a
// fixed priority gap can never starve it forever.
func (e *Entity) EffectivePriority(tick uint64, stalenessWeight float64) float64 {
	return e.Priority + float64(e.Staleness(tick))*stalenessWeight
}

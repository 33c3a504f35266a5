// Package replication decides which entity deltas reach the wire each
// tick under a byte budget. Ordering is priority plus accrued staleness,
// so permanent budget pressure can delay an entity but never starve it.
package replication

import (
	"log"
	"sort"

	"starlane.gg/internal/netstats"
)

// Delta is one compressed entity row accepted into a tick's budget.
type Delta struct {
	EntityID uint64
	Tick     uint64
	Payload  []byte // compressed
	RawSize  int
}

type Manager struct {
	StalenessWeight float64

	// CompressFn must be a pure function. Overridable so tests can pin
	// exact payload sizes; defaults to the package zstd codec.
	CompressFn func([]byte) []byte

	stats  *netstats.Stats
	logger *log.Logger
}

func NewManager(stalenessWeight float64, stats *netstats.Stats, logger *log.Logger) *Manager {
	return &Manager{
		StalenessWeight: stalenessWeight,
		CompressFn:      Compress,
		stats:           stats,
		logger:          logger,
	}
}

// Replicate selects, encodes and compresses deltas for one tick. The sum
// of returned payload sizes never exceeds budgetBytes. Entities that fail
// to serialize are logged and skipped; they never abort the tick for the
// others. Accepted entities get LastSent and LastReplicatedTick advanced
// and their sizes fed into netstats.
func (m *Manager) Replicate(entities []*Entity, budgetBytes int, tick uint64) []Delta {
	candidates := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		if !e.InZone {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi := candidates[i].EffectivePriority(tick, m.StalenessWeight)
		pj := candidates[j].EffectivePriority(tick, m.StalenessWeight)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].ID < candidates[j].ID
	})

	var out []Delta
	used := 0
	for _, e := range candidates {
		raw, err := EncodeDelta(e, tick)
		if err != nil {
			if m.logger != nil {
				m.logger.Printf("replicate: skip entity %d: %v", e.ID, err)
			}
			continue
		}
		comp := m.CompressFn(raw)
		if used+len(comp) > budgetBytes {
			// Over budget; the entity keeps its snapshot and accrues
			// staleness for the next tick.
			continue
		}
		used += len(comp)

		sent := e.State
		e.LastSent = &sent
		e.LastReplicatedTick = tick

		if m.stats != nil {
			m.stats.AddBytesSent(len(comp))
			m.stats.ObserveCompression(len(raw), len(comp))
		}
		out = append(out, Delta{EntityID: e.ID, Tick: tick, Payload: comp, RawSize: len(raw)})
	}
	return out
}

// Package consensus resolves a single agreed-upon position for a tracked
// target from independent, untrusted observer reports. Submissions arrive
// concurrently from many connections; the whole read-modify-write for a
// target happens under that target's shard lock, so no interleaving can
// drop a distinct observer's measurement.
package consensus

import (
	"sync"
	"time"

	"starlane.gg/internal/sim/phys"
)

type RecordState int

const (
	Collecting RecordState = iota
	Resolved
	Expired
)

func (s RecordState) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Resolved:
		return "resolved"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	DefaultQuorum         = 4
	DefaultValidityWindow = 5 * time.Second
	DefaultShards         = 16
)

// SubmissionResult is returned synchronously from Submit. A Collecting
// status means quorum is still pending, which is the normal state, not an
// error.
type SubmissionResult struct {
	Status     RecordState
	Distinct   int
	Position   phys.Vec3
	Confidence float64
}

type record struct {
	byObserver map[uint64]Measurement
	state      RecordState
	pos        phys.Vec3
	confidence float64
	resolvedAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[uint64]*record
}

type Validator struct {
	quorum int
	window time.Duration
	now    func() time.Time

	shards []*shard
}

type Config struct {
	Quorum         int
	ValidityWindow time.Duration
	Shards         int
	Now            func() time.Time
}

func NewValidator(cfg Config) *Validator {
	if cfg.Quorum <= 0 {
		cfg.Quorum = DefaultQuorum
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = DefaultValidityWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := &Validator{
		quorum: cfg.Quorum,
		window: cfg.ValidityWindow,
		now:    cfg.Now,
		shards: make([]*shard, cfg.Shards),
	}
	for i := range v.shards {
		v.shards[i] = &shard{records: make(map[uint64]*record)}
	}
	return v
}

func (v *Validator) shardFor(targetID uint64) *shard {
	return v.shards[targetID%uint64(len(v.shards))]
}

// Submit validates and ingests one measurement. Find-or-create, the
// latest-wins observer upsert, stale purge and the quorum check run as
// one critical section per target; submissions for distinct targets on
// different shards never contend.
func (v *Validator) Submit(m Measurement) (SubmissionResult, error) {
	now := v.now()
	if err := m.validate(now, v.window); err != nil {
		return SubmissionResult{}, err
	}

	s := v.shardFor(m.TargetID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[m.TargetID]
	if rec == nil {
		rec = &record{byObserver: make(map[uint64]Measurement)}
		s.records[m.TargetID] = rec
	}

	// Latest wins per observer; distinct-observer count drives quorum.
	rec.byObserver[m.ObserverID] = m
	purgeStale(rec, now, v.window)

	if rec.state == Resolved {
		return SubmissionResult{
			Status:     Resolved,
			Distinct:   len(rec.byObserver),
			Position:   rec.pos,
			Confidence: rec.confidence,
		}, nil
	}

	distinct := len(rec.byObserver)
	if distinct < v.quorum {
		return SubmissionResult{Status: Collecting, Distinct: distinct}, nil
	}

	ms := make([]Measurement, 0, distinct)
	for _, mm := range rec.byObserver {
		ms = append(ms, mm)
	}
	pos, conf, err := triangulate(ms)
	if err != nil {
		return SubmissionResult{Status: Collecting, Distinct: distinct}, nil
	}
	rec.state = Resolved
	rec.pos = pos
	rec.confidence = conf
	rec.resolvedAt = now
	return SubmissionResult{Status: Resolved, Distinct: distinct, Position: pos, Confidence: conf}, nil
}

// purgeStale drops measurements outside the validity window. A Collecting
// record that loses quorum this way simply keeps collecting.
func purgeStale(rec *record, now time.Time, window time.Duration) {
	for id, m := range rec.byObserver {
		if now.Sub(m.At) > window {
			delete(rec.byObserver, id)
		}
	}
}

// RecordView is a read-only snapshot of a target's consensus record.
type RecordView struct {
	TargetID   uint64
	State      RecordState
	Distinct   int
	Position   phys.Vec3
	Confidence float64
}

func (v *Validator) Record(targetID uint64) (RecordView, bool) {
	s := v.shardFor(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[targetID]
	if rec == nil {
		return RecordView{}, false
	}
	purgeStale(rec, v.now(), v.window)
	return RecordView{
		TargetID:   targetID,
		State:      rec.state,
		Distinct:   len(rec.byObserver),
		Position:   rec.pos,
		Confidence: rec.confidence,
	}, true
}

// Sweep evicts exhausted records: resolved ones past the validity window
// and collecting ones with no live measurements left. Despawned targets
// age out here without any explicit cancellation. Returns the evicted
// target IDs.
func (v *Validator) Sweep() []uint64 {
	now := v.now()
	var evicted []uint64
	for _, s := range v.shards {
		s.mu.Lock()
		for id, rec := range s.records {
			purgeStale(rec, now, v.window)
			switch {
			case rec.state == Resolved && now.Sub(rec.resolvedAt) > v.window:
				rec.state = Expired
				delete(s.records, id)
				evicted = append(evicted, id)
			case rec.state == Collecting && len(rec.byObserver) == 0:
				rec.state = Expired
				delete(s.records, id)
				evicted = append(evicted, id)
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// PositionSource is the narrow view of the authoritative state the
// validator cross-checks against.
type PositionSource interface {
	AuthoritativePos(targetID uint64) (phys.Vec3, bool)
}

// Disagreement flags a resolved consensus that deviates from the
// authoritative position beyond tolerance. It is reported, never
// auto-corrected; policy is the caller's call.
type Disagreement struct {
	TargetID      uint64     `json:"target_id"`
	Consensus     [3]float64 `json:"consensus"`
	Authoritative [3]float64 `json:"authoritative"`
	Deviation     float64    `json:"deviation"`
	Confidence    float64    `json:"confidence"`
}

// ValidateAgainstAuthoritative compares a resolved record against the
// authoritative position. ok is false when the target has no resolved
// consensus or no authoritative position to compare with.
func (v *Validator) ValidateAgainstAuthoritative(targetID uint64, src PositionSource, tolerance float64) (d Disagreement, flagged bool, ok bool) {
	rv, found := v.Record(targetID)
	if !found || rv.State != Resolved {
		return Disagreement{}, false, false
	}
	auth, found := src.AuthoritativePos(targetID)
	if !found {
		return Disagreement{}, false, false
	}
	dev := rv.Position.Dist(auth)
	d = Disagreement{
		TargetID:      targetID,
		Consensus:     rv.Position.Arr(),
		Authoritative: auth.Arr(),
		Deviation:     dev,
		Confidence:    rv.Confidence,
	}
	return d, dev > tolerance, true
}

// ResolvedTargets lists targets currently holding a resolved consensus.
func (v *Validator) ResolvedTargets() []RecordView {
	var out []RecordView
	for _, s := range v.shards {
		s.mu.Lock()
		for id, rec := range s.records {
			if rec.state == Resolved {
				out = append(out, RecordView{
					TargetID:   id,
					State:      Resolved,
					Distinct:   len(rec.byObserver),
					Position:   rec.pos,
					Confidence: rec.confidence,
				})
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Package prediction runs client-side prediction for a controlled entity
// and reconciles it against authoritative corrections. The same step
// function drives both sides, so reconciliation is a cheap replay of the
// unacknowledged input window rather than a resimulation.
package prediction

import (
	"errors"
	"time"

	"starlane.gg/internal/netstats"
	"starlane.gg/internal/sim/phys"
)

const DefaultRingCapacity = 100

var (
	// ErrStaleCorrection is returned for duplicate or out-of-order
	// corrections; the predictor's state is untouched.
	ErrStaleCorrection = errors.New("stale correction")
)

// StepFunc must be the deterministic step shared with the server.
type StepFunc func(phys.State, phys.Input, float64) phys.State

type Predictor struct {
	step StepFunc
	dt   float64

	state     phys.State
	ring      *inputRing
	nextSeq   uint32
	lastAcked uint32

	corrections *correctionQueue

	// snapPending is set when ring eviction has torn the replay window;
	// the next correction is adopted wholesale.
	snapPending bool
	// resyncNeeded is set when a sequence gap is detected; the caller
	// should request a resync instead of extrapolating.
	resyncNeeded bool

	stats *netstats.Stats
	now   func() time.Time
}

type Config struct {
	Step          StepFunc
	Dt            float64
	RingCapacity  int
	QueueCapacity int
	Stats         *netstats.Stats
	Now           func() time.Time
}

func New(initial phys.State, cfg Config) *Predictor {
	if cfg.Step == nil {
		cfg.Step = phys.Step
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 32
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Predictor{
		step:        cfg.Step,
		dt:          cfg.Dt,
		state:       initial,
		ring:        newInputRing(cfg.RingCapacity),
		corrections: newCorrectionQueue(cfg.QueueCapacity),
		stats:       cfg.Stats,
		now:         cfg.Now,
	}
}

func (p *Predictor) State() phys.State { return p.state }

func (p *Predictor) LastAckedSeq() uint32 { return p.lastAcked }

func (p *Predictor) PendingInputs() int { return p.ring.len() }

// ResyncNeeded reports whether a sequence gap invalidated the replay
// window. Cleared by the next successfully applied correction.
func (p *Predictor) ResyncNeeded() bool { return p.resyncNeeded }

// ApplyInput records one local input and advances the predicted state
// immediately, without waiting on the network round trip. Returns the
// sequence number assigned to the input.
func (p *Predictor) ApplyInput(in phys.Input) uint32 {
	p.nextSeq++
	seq := p.nextSeq
	if p.ring.push(InputRecord{Seq: seq, Input: in, At: p.now()}) {
		// Oldest unacknowledged input gone: replay can no longer cover
		// the window, so the next correction snaps.
		p.snapPending = true
	}
	p.state = p.step(p.state, in, p.dt)
	return seq
}

// EnqueueCorrection is called from the network side. It never blocks the
// reader and never tears mid-replay state: corrections take effect only
// when DrainCorrections runs on the local tick.
func (p *Predictor) EnqueueCorrection(c Correction) {
	p.corrections.push(c)
}

// DrainCorrections applies all queued corrections in arrival order at the
// start of a local tick. Returns the number applied.
func (p *Predictor) DrainCorrections() int {
	applied := 0
	for _, c := range p.corrections.drain() {
		if err := p.Reconcile(c); err == nil {
			applied++
		}
	}
	return applied
}

// Reconcile folds one authoritative correction into the predicted state:
// drop acknowledged inputs, rebase on the confirmed state, replay what
// remains. Duplicate or out-of-order corrections are rejected. A sequence
// gap between the correction and the buffered window triggers a hard snap
// and marks the predictor as needing resync.
func (p *Predictor) Reconcile(c Correction) error {
	if c.LastProcessedSeq < p.lastAcked {
		return ErrStaleCorrection
	}
	if c.LastProcessedSeq == p.lastAcked && p.lastAcked != 0 && !p.snapPending {
		return ErrStaleCorrection
	}

	oldPredicted := p.state
	p.ring.dropThrough(c.LastProcessedSeq)
	p.lastAcked = c.LastProcessedSeq

	hardSnap := p.snapPending
	if oldest, ok := p.ring.oldestSeq(); ok && oldest != c.LastProcessedSeq+1 {
		// Gap in the buffered window: replaying would extrapolate over
		// missing inputs. Snap and ask for a resync.
		hardSnap = true
		p.resyncNeeded = true
	}

	p.state = c.State
	if hardSnap {
		p.ring.clear()
		p.snapPending = false
		if p.stats != nil {
			p.stats.ObserveHardSnap()
		}
	} else {
		for _, rec := range p.ring.pending() {
			p.state = p.step(p.state, rec.Input, p.dt)
		}
		p.resyncNeeded = false
	}

	if p.stats != nil {
		p.stats.ObserveReconciliation(oldPredicted.Pos.Dist(p.state.Pos))
	}
	return nil
}

// Resync rebases the predictor after the server answered a resync
// request: all pending inputs are abandoned and prediction restarts from
// the authoritative state.
func (p *Predictor) Resync(s phys.State, lastProcessedSeq uint32) {
	p.state = s
	p.lastAcked = lastProcessedSeq
	p.nextSeq = lastProcessedSeq
	p.ring.clear()
	p.snapPending = false
	p.resyncNeeded = false
}

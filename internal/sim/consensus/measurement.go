package consensus

import (
	"fmt"
	"math"
	"time"

	"starlane.gg/internal/sim/phys"
)

// Measurement is one observer's report of a tracked target: a bearing ray
// from the observer's position plus a range estimate. Immutable once
// created.
type Measurement struct {
	ObserverID uint64
	TargetID   uint64

	// Origin is the observer's own position, the anchor of the ray.
	Origin phys.Vec3
	// Dir must be a unit vector.
	Dir      phys.Vec3
	Distance float64
	Scale    float64

	At time.Time
}

// PointEstimate is the target position implied by this measurement alone.
func (m Measurement) PointEstimate() phys.Vec3 {
	return m.Origin.Add(m.Dir.Scale(m.Distance * m.Scale))
}

const (
	unitTolerance = 1e-3
	// clockSkew bounds how far ahead of the validator's clock a
	// measurement timestamp may sit before it is rejected.
	clockSkew = 2 * time.Second
)

type RejectReason string

const (
	ReasonNonFiniteVector     RejectReason = "non_finite_vector"
	ReasonNonUnitDirection    RejectReason = "non_unit_direction"
	ReasonNonPositiveDistance RejectReason = "non_positive_distance"
	ReasonNonPositiveScale    RejectReason = "non_positive_scale"
	ReasonStaleTimestamp      RejectReason = "stale_timestamp"
	ReasonFutureTimestamp     RejectReason = "future_timestamp"
)

// RejectedError reports a malformed measurement, returned synchronously
// from Submit. It never reflects quorum state; a pending quorum is not an
// error.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("measurement rejected: %s", e.Reason)
}

func (m Measurement) validate(now time.Time, window time.Duration) error {
	if !m.Origin.Finite() || !m.Dir.Finite() || !finite(m.Distance) || !finite(m.Scale) {
		return &RejectedError{Reason: ReasonNonFiniteVector}
	}
	if math.Abs(m.Dir.Len()-1) > unitTolerance {
		return &RejectedError{Reason: ReasonNonUnitDirection}
	}
	if m.Distance <= 0 {
		return &RejectedError{Reason: ReasonNonPositiveDistance}
	}
	if m.Scale <= 0 {
		return &RejectedError{Reason: ReasonNonPositiveScale}
	}
	if now.Sub(m.At) > window {
		return &RejectedError{Reason: ReasonStaleTimestamp}
	}
	if m.At.After(now.Add(clockSkew)) {
		return &RejectedError{Reason: ReasonFutureTimestamp}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

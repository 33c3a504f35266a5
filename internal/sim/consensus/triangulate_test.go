package consensus

import (
	"testing"
	"time"

	"starlane.gg/internal/sim/phys"
)

func TestTriangulate_ExactIntersection(t *testing.T) {
	target := phys.Vec3{X: 7, Y: -2, Z: 13}
	at := time.Now()
	var ms []Measurement
	for i, o := range tetraOrigins {
		ms = append(ms, tetraMeasurement(uint64(i+1), 1, o, target, at))
	}
	pos, conf, err := triangulate(ms)
	if err != nil {
		t.Fatalf("triangulate: %v", err)
	}
	if pos.Dist(target) > 1e-6 {
		t.Fatalf("position off by %v", pos.Dist(target))
	}
	if conf < 0.99 {
		t.Fatalf("confidence: %v", conf)
	}
}

func TestTriangulate_NoisyRaysLowerConfidence(t *testing.T) {
	target := phys.Vec3{X: 0, Y: 0, Z: 0}
	at := time.Now()
	var ms []Measurement
	for i, o := range tetraOrigins {
		m := tetraMeasurement(uint64(i+1), 1, o, target, at)
		// Perturb each bearing a few degrees.
		m.Dir = m.Dir.Add(phys.Vec3{X: 0.05 * float64(i+1)}).Normalize()
		ms = append(ms, m)
	}
	_, conf, err := triangulate(ms)
	if err != nil {
		t.Fatalf("triangulate: %v", err)
	}
	if conf >= 0.99 {
		t.Fatalf("noisy rays kept perfect confidence: %v", conf)
	}
}

func TestTriangulate_ParallelRaysFallBackToRange(t *testing.T) {
	// All observers stacked on the X axis looking down +X: the normal
	// equations are singular and depth must come from the range
	// estimates.
	at := time.Now()
	dir := phys.Vec3{X: 1}
	var ms []Measurement
	for i := 0; i < 4; i++ {
		origin := phys.Vec3{X: float64(-10 * (i + 1))}
		ms = append(ms, Measurement{
			ObserverID: uint64(i + 1),
			TargetID:   1,
			Origin:     origin,
			Dir:        dir,
			Distance:   100 - origin.X,
			Scale:      1,
			At:         at,
		})
	}
	pos, _, err := triangulate(ms)
	if err != nil {
		t.Fatalf("triangulate: %v", err)
	}
	want := phys.Vec3{X: 100}
	if pos.Dist(want) > 1e-6 {
		t.Fatalf("fallback position: got %+v want %+v", pos, want)
	}
}

func TestTriangulate_TooFewMeasurements(t *testing.T) {
	if _, _, err := triangulate([]Measurement{{Dir: phys.Vec3{X: 1}}}); err == nil {
		t.Fatalf("expected error with a single measurement")
	}
}

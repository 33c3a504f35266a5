package consensus

import (
	"fmt"
	"math"
	"sort"

	"starlane.gg/internal/sim/phys"
)

// triangulate solves the least-squares intersection of the observers'
// bearing rays: the point X minimizing the summed squared distance to
// every ray (o_i, d_i). The normal equations are A·X = b with
// A = Σ (I − d dᵀ) and b = Σ (I − d dᵀ)·o. If the rays are degenerate
// (near-parallel), it falls back to the centroid of the range-scaled
// point estimates.
//
// The residual is the RMS point-to-ray distance of the solution;
// confidence maps it to (0,1], lower residual meaning higher confidence.
func triangulate(ms []Measurement) (pos phys.Vec3, confidence float64, err error) {
	if len(ms) < 2 {
		return phys.Vec3{}, 0, fmt.Errorf("triangulate: need at least 2 measurements, have %d", len(ms))
	}
	// Deterministic summation order regardless of map iteration upstream.
	sorted := make([]Measurement, len(ms))
	copy(sorted, ms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObserverID < sorted[j].ObserverID })

	var a mat3
	var b phys.Vec3
	for _, m := range sorted {
		p := projector(m.Dir)
		a = a.add(p)
		b = b.Add(p.mulVec(m.Origin))
	}

	x, ok := a.solve(b)
	if !ok {
		// Parallel rays: no unique intersection. Average the point
		// estimates instead; the distance/scale terms carry the depth
		// information the rays cannot.
		var c phys.Vec3
		for _, m := range sorted {
			c = c.Add(m.PointEstimate())
		}
		x = c.Scale(1 / float64(len(sorted)))
	}

	var sq float64
	for _, m := range sorted {
		sq += rayDistSq(x, m)
	}
	residual := math.Sqrt(sq / float64(len(sorted)))
	return x, 1 / (1 + residual), nil
}

// rayDistSq is the squared distance from x to the ray (m.Origin, m.Dir).
func rayDistSq(x phys.Vec3, m Measurement) float64 {
	v := x.Sub(m.Origin)
	along := v.Dot(m.Dir)
	return v.Dot(v) - along*along
}

// projector returns I − d·dᵀ for a unit direction d.
func projector(d phys.Vec3) mat3 {
	return mat3{
		1 - d.X*d.X, -d.X * d.Y, -d.X * d.Z,
		-d.Y * d.X, 1 - d.Y*d.Y, -d.Y * d.Z,
		-d.Z * d.X, -d.Z * d.Y, 1 - d.Z*d.Z,
	}
}

// mat3 is a row-major 3x3 matrix, just enough linear algebra for the
// normal equations above.
type mat3 [9]float64

func (m mat3) add(o mat3) mat3 {
	for i := range m {
		m[i] += o[i]
	}
	return m
}

func (m mat3) mulVec(v phys.Vec3) phys.Vec3 {
	return phys.Vec3{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

func (m mat3) det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

const singularEps = 1e-9

// solve returns x with m·x = v via the adjugate, or ok=false when m is
// singular to working precision.
func (m mat3) solve(v phys.Vec3) (phys.Vec3, bool) {
	d := m.det()
	if math.Abs(d) < singularEps {
		return phys.Vec3{}, false
	}
	inv := mat3{
		m[4]*m[8] - m[5]*m[7], m[2]*m[7] - m[1]*m[8], m[1]*m[5] - m[2]*m[4],
		m[5]*m[6] - m[3]*m[8], m[0]*m[8] - m[2]*m[6], m[2]*m[3] - m[0]*m[5],
		m[3]*m[7] - m[4]*m[6], m[1]*m[6] - m[0]*m[7], m[0]*m[4] - m[1]*m[3],
	}
	return inv.mulVec(v).Scale(1 / d), true
}

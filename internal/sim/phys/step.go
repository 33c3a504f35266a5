package phys

import "math"

// Integration limits. Tuned for readability of test fixtures, not realism.
const (
	MaxSpeed    = 500.0
	MaxAngSpeed = 8.0
	BrakeFactor = 0.80
	angvelDamp  = 0.995
)

// Step advances a state by one fixed timestep. It is the single step
// function shared by the authoritative tick and client prediction, so it
// must stay deterministic: no wall clock, no randomness, no map iteration.
// Replaying the same inputs from the same base state reproduces the same
// result bit for bit.
func Step(s State, in Input, dt float64) State {
	accel := s.Orient.Rotate(in.Thrust)
	s.Vel = s.Vel.Add(accel.Scale(dt))
	if in.Brake {
		s.Vel = s.Vel.Scale(BrakeFactor)
	}
	if speed := s.Vel.Len(); speed > MaxSpeed {
		s.Vel = s.Vel.Scale(MaxSpeed / speed)
	}
	s.Pos = s.Pos.Add(s.Vel.Scale(dt))

	s.AngVel = s.AngVel.Add(in.Torque.Scale(dt)).Scale(angvelDamp)
	if w := s.AngVel.Len(); w > MaxAngSpeed {
		s.AngVel = s.AngVel.Scale(MaxAngSpeed / w)
	}
	s.Orient = integrateOrient(s.Orient, s.AngVel, dt)
	return s
}

// integrateOrient applies angular velocity w over dt via the exponential
// map, renormalizing to keep the quaternion unit length.
func integrateOrient(q Quat, w Vec3, dt float64) Quat {
	angle := w.Len() * dt
	if angle == 0 {
		return q
	}
	axis := w.Normalize()
	half := angle / 2
	sin := math.Sin(half)
	dq := Quat{W: math.Cos(half), X: axis.X * sin, Y: axis.Y * sin, Z: axis.Z * sin}
	return dq.Mul(q).Normalize()
}

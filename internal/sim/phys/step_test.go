package phys

import (
	"math"
	"testing"
)

func TestStep_Deterministic(t *testing.T) {
	base := NewState(Vec3{X: 10, Y: -4, Z: 2}, QuatIdentity())
	inputs := make([]Input, 0, 32)
	for i := 0; i < 32; i++ {
		inputs = append(inputs, Input{
			Thrust: Vec3{X: float64(i % 5), Y: 1.5, Z: -0.25 * float64(i)},
			Torque: Vec3{Z: 0.3},
			Brake:  i%7 == 0,
		})
	}

	run := func() State {
		s := base
		for _, in := range inputs {
			s = Step(s, in, 1.0/30)
		}
		return s
	}

	a := run()
	b := run()
	if a != b {
		t.Fatalf("replay drift: %+v vs %+v", a, b)
	}
}

func TestStep_BrakeAndSpeedClamp(t *testing.T) {
	s := State{Vel: Vec3{X: 1000}, Orient: QuatIdentity()}
	s = Step(s, Input{}, 0.1)
	if got := s.Vel.Len(); got > MaxSpeed+1e-9 {
		t.Fatalf("speed not clamped: %v", got)
	}
	before := s.Vel.Len()
	s = Step(s, Input{Brake: true}, 0.1)
	if s.Vel.Len() >= before {
		t.Fatalf("brake did not slow body: %v >= %v", s.Vel.Len(), before)
	}
}

func TestStep_OrientStaysUnit(t *testing.T) {
	s := NewState(Vec3{}, QuatIdentity())
	for i := 0; i < 500; i++ {
		s = Step(s, Input{Torque: Vec3{X: 0.5, Y: 1.2, Z: -0.7}}, 1.0/30)
	}
	q := s.Orient
	l := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if math.Abs(l-1) > 1e-9 {
		t.Fatalf("orientation drifted off unit length: %v", l)
	}
}

func TestQuat_RotateMatchesAxisAngle(t *testing.T) {
	// 90 degrees around Z maps +X to +Y.
	half := math.Pi / 4
	q := Quat{W: math.Cos(half), Z: math.Sin(half)}
	got := q.Rotate(Vec3{X: 1})
	want := Vec3{Y: 1}
	if got.Dist(want) > 1e-12 {
		t.Fatalf("rotate: got %+v want %+v", got, want)
	}
}

func TestNewBody_Registry(t *testing.T) {
	for _, kind := range []string{KindShip, KindOrbital, KindBeacon} {
		b, err := NewBody(kind)
		if err != nil {
			t.Fatalf("NewBody(%s): %v", kind, err)
		}
		if b.Kind() != kind {
			t.Fatalf("kind mismatch: got %s want %s", b.Kind(), kind)
		}
	}
	if _, err := NewBody("mothership"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestOrbitalBody_IgnoresInput(t *testing.T) {
	b, _ := NewBody(KindOrbital)
	b.SetState(State{Vel: Vec3{X: 2}, Orient: QuatIdentity()})
	b.Step(Input{Thrust: Vec3{Y: 100}}, 1)
	if b.State().Vel.Y != 0 {
		t.Fatalf("orbital body accepted thrust: %+v", b.State().Vel)
	}
	if b.State().Pos.X == 0 {
		t.Fatalf("orbital body did not coast")
	}
}

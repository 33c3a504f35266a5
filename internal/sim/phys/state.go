package phys

// State is the full kinematic state of a simulated body. It is a plain
// value: copying it snapshots the body.
type State struct {
	Pos    Vec3
	Vel    Vec3
	Orient Quat
	AngVel Vec3
}

func NewState(pos Vec3, orient Quat) State {
	return State{Pos: pos, Orient: orient.Normalize()}
}

func (s State) Finite() bool {
	return s.Pos.Finite() && s.Vel.Finite() && s.Orient.Finite() && s.AngVel.Finite()
}

// Input is one tick of control input. Thrust is expressed in the body's
// local frame and rotated by the current orientation when applied.
type Input struct {
	Thrust Vec3
	Torque Vec3
	Brake  bool
}

func (in Input) Zero() bool {
	return in.Thrust == (Vec3{}) && in.Torque == (Vec3{}) && !in.Brake
}

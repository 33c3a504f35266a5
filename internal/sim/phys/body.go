package phys

import "fmt"

// Body is the replicable physics body contract. Entity kinds implement it
// independently; there is deliberately no shared base struct to inherit
// from.
type Body interface {
	Kind() string
	State() State
	SetState(State)
	// Step advances the body by one tick using the shared step function.
	Step(in Input, dt float64)
}

// Ship responds to thrust and torque input.
type Ship struct {
	s State
}

func (b *Ship) Kind() string              { return KindShip }
func (b *Ship) State() State              { return b.s }
func (b *Ship) SetState(s State)          { b.s = s }
func (b *Ship) Step(in Input, dt float64) { b.s = Step(b.s, in, dt) }

// OrbitalBody is ballistic: it ignores control input entirely.
type OrbitalBody struct {
	s State
}

func (b *OrbitalBody) Kind() string             { return KindOrbital }
func (b *OrbitalBody) State() State             { return b.s }
func (b *OrbitalBody) SetState(s State)         { b.s = s }
func (b *OrbitalBody) Step(_ Input, dt float64) { b.s = Step(b.s, Input{}, dt) }

// Beacon never moves. Used as an anchored target for observer consensus.
type Beacon struct {
	s State
}

func (b *Beacon) Kind() string            { return KindBeacon }
func (b *Beacon) State() State            { return b.s }
func (b *Beacon) SetState(s State)        { b.s = s }
func (b *Beacon) Step(_ Input, _ float64) {}

const (
	KindShip    = "ship"
	KindOrbital = "orbital"
	KindBeacon  = "beacon"
)

type bodyFactory func() Body

// kindRegistry maps entity kind names to factories. Populated at init;
// an unknown kind is a checked error, never a silent load failure.
var kindRegistry = map[string]bodyFactory{
	KindShip:    func() Body { return &Ship{} },
	KindOrbital: func() Body { return &OrbitalBody{} },
	KindBeacon:  func() Body { return &Beacon{} },
}

func NewBody(kind string) (Body, error) {
	f, ok := kindRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown body kind %q", kind)
	}
	return f(), nil
}

func KnownKind(kind string) bool {
	_, ok := kindRegistry[kind]
	return ok
}

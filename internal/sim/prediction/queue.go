package prediction

import "starlane.gg/internal/sim/phys"

// Correction is an authoritative update for a predicted entity.
type Correction struct {
	State            phys.State
	LastProcessedSeq uint32
	Tick             uint64
}

// correctionQueue carries corrections from the network reader to the
// local tick. Single producer, single consumer, bounded; when the
// consumer falls behind the oldest correction is dropped, since only the
// newest authoritative state matters.
type correctionQueue struct {
	ch chan Correction
}

func newCorrectionQueue(size int) *correctionQueue {
	if size <= 0 {
		size = 1
	}
	return &correctionQueue{ch: make(chan Correction, size)}
}

func (q *correctionQueue) push(c Correction) {
	select {
	case q.ch <- c:
		return
	default:
	}
	// Full: drop one, retry once.
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- c:
	default:
	}
}

func (q *correctionQueue) drain() []Correction {
	var out []Correction
	for {
		select {
		case c := <-q.ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

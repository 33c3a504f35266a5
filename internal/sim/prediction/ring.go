package prediction

import (
	"time"

	"starlane.gg/internal/sim/phys"
)

// InputRecord is one tick of local input awaiting server acknowledgment.
type InputRecord struct {
	Seq   uint32
	Input phys.Input
	At    time.Time
}

// inputRing is a bounded FIFO of unacknowledged inputs. When full, the
// oldest record is evicted and the caller is told, which forces a hard
// snap at the next correction since the replay window is no longer whole.
type inputRing struct {
	buf   []InputRecord
	head  int
	count int
}

func newInputRing(capacity int) *inputRing {
	return &inputRing{buf: make([]InputRecord, capacity)}
}

func (r *inputRing) len() int { return r.count }

// push appends a record, reporting whether an unacknowledged record was
// evicted to make room.
func (r *inputRing) push(rec InputRecord) (evicted bool) {
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		evicted = true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = rec
	r.count++
	return evicted
}

// dropThrough removes all records with Seq <= seq.
func (r *inputRing) dropThrough(seq uint32) {
	for r.count > 0 && r.buf[r.head].Seq <= seq {
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
}

// pending returns the buffered records in sequence order.
func (r *inputRing) pending() []InputRecord {
	out := make([]InputRecord, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *inputRing) clear() {
	r.head = 0
	r.count = 0
}

func (r *inputRing) oldestSeq() (uint32, bool) {
	if r.count == 0 {
		return 0, false
	}
	return r.buf[r.head].Seq, true
}

package world

// Tick-driven scheduler. Tasks hold their own explicit state (kind plus
// next-due tick) rather than captured locals, so nothing a task needs can
// dangle after the situation that scheduled it is gone.

type taskKind int

const (
	taskConsensusSweep taskKind = iota + 1
	taskCrossCheck
)

type scheduledTask struct {
	kind  taskKind
	every uint64
	next  uint64
}

type scheduler struct {
	tasks []scheduledTask
}

func newScheduler() *scheduler { return &scheduler{} }

func (s *scheduler) add(kind taskKind, every, startTick uint64) {
	if every == 0 {
		every = 1
	}
	s.tasks = append(s.tasks, scheduledTask{kind: kind, every: every, next: startTick + every})
}

// due returns the tasks due at tick and advances their next-due marks.
func (s *scheduler) due(tick uint64) []taskKind {
	var out []taskKind
	for i := range s.tasks {
		t := &s.tasks[i]
		if tick >= t.next {
			out = append(out, t.kind)
			for t.next <= tick {
				t.next += t.every
			}
		}
	}
	return out
}

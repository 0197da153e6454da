package kernel

import "container/list"

// scheduler is a two-queue weighted round robin. An environment picked from
// the active queue runs for Priority ticks and is appended to the other
// queue; when the active queue drains the queues swap roles.
type scheduler struct {
	queues [2]*list.List
	pos    int

	env   *Env
	times int
}

func (s *scheduler) init() {
	s.queues[0] = list.New()
	s.queues[1] = list.New()
}

// insertHead queues e at the head of the active queue unless it is queued
// already.
func (s *scheduler) insertHead(e *Env) {
	if e.queue >= 0 {
		return
	}

	e.elem = s.queues[s.pos].PushFront(e)
	e.queue = s.pos
}

func (s *scheduler) pushBack(e *Env, q int) {
	e.elem = s.queues[q].PushBack(e)
	e.queue = q
}

func (s *scheduler) remove(e *Env) {
	if e.queue < 0 {
		return
	}

	s.queues[e.queue].Remove(e.elem)
	e.queue = -1
	e.elem = nil
}

func (s *scheduler) queued() int {
	return s.queues[0].Len() + s.queues[1].Len()
}

// schedule picks the environment to run next and dispatches it.
func (k *Kernel) schedule() error {
	if k.halted != nil {
		return k.halted
	}

	s := &k.sched

	if s.env != nil && s.env.Status != Runnable {
		s.remove(s.env)
		s.env = nil
		s.times = 0
	}

	if s.times <= 0 {
		if s.queues[s.pos].Len() == 0 {
			s.pos ^= 1
		}

		q := s.queues[s.pos]
		if q.Len() == 0 {
			return k.halt()
		}

		e := q.Front().Value.(*Env)
		s.remove(e)
		s.pushBack(e, s.pos^1)

		s.env = e
		s.times = e.Priority
		if s.times <= 0 {
			s.times = 1
		}

		k.L.Trace("sched-pick", "id", e.ID, "queue", s.pos, "budget", s.times)
	}

	s.times--

	k.dispatch(s.env)

	return nil
}

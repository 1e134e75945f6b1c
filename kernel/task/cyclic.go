package task

import "rvgopher/kernel"

// CyclicScheduler keeps tasks in a fixed array of slots and scans it
// round-robin starting after the slot that ran last. Tasks stay in their
// slot while they are suspended; only their status changes.
type CyclicScheduler struct {
	slots   []*Task
	current int
}

// NewCyclicScheduler returns a scheduler with n slots.
func NewCyclicScheduler(n int) *CyclicScheduler {
	return &CyclicScheduler{
		slots:   make([]*Task, n),
		current: n - 1,
	}
}

// Add places t in the first free slot. Adding a task that already owns a
// slot is a no-op.
func (s *CyclicScheduler) Add(t *Task) *kernel.Error {
	free := -1
	for i, slot := range s.slots {
		if slot == t {
			return nil
		}
		if slot == nil && free < 0 {
			free = i
		}
	}

	if free < 0 {
		return ErrSchedulerFull
	}
	s.slots[free] = t
	return nil
}

// PickNext returns the index of the first Ready slot after the current one,
// wrapping around and ending with the current slot itself.
func (s *CyclicScheduler) PickNext() (int, bool) {
	n := len(s.slots)
	for i := 1; i <= n; i++ {
		idx := (s.current + i) % n
		if t := s.slots[idx]; t != nil && t.status == Ready {
			return idx, true
		}
	}
	return 0, false
}

// Fetch selects the next ready task and makes its slot the current one.
func (s *CyclicScheduler) Fetch() *Task {
	idx, ok := s.PickNext()
	if !ok {
		return nil
	}
	s.current = idx
	return s.slots[idx]
}

// MarkCurrentExited flags the task in the current slot as exited so that
// PickNext never selects it again.
func (s *CyclicScheduler) MarkCurrentExited() {
	if t := s.slots[s.current]; t != nil {
		t.status = Zombie
	}
}

// Remove frees the slot owned by t.
func (s *CyclicScheduler) Remove(t *Task) {
	for i, slot := range s.slots {
		if slot == t {
			s.slots[i] = nil
			return
		}
	}
}

// Len returns the number of ready tasks.
func (s *CyclicScheduler) Len() int {
	var n int
	for _, t := range s.slots {
		if t != nil && t.status == Ready {
			n++
		}
	}
	return n
}

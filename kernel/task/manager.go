package task

import "rvgopher/kernel"

// ErrSchedulerFull is returned when a scheduler cannot accept more tasks.
var ErrSchedulerFull = &kernel.Error{Module: "task", Message: "no free scheduler slot"}

// Scheduler decides which ready task runs next.
type Scheduler interface {
	// Add makes t eligible to run.
	Add(t *Task) *kernel.Error

	// Fetch removes and returns the next task to run or nil if no task is
	// ready.
	Fetch() *Task

	// Remove forgets a task that has been reaped.
	Remove(t *Task)

	// Len returns the number of ready tasks.
	Len() int
}

// Manager is a FIFO ready queue.
type Manager struct {
	ready []*Task
}

// NewManager returns an empty FIFO scheduler.
func NewManager() *Manager {
	return &Manager{}
}

// Add appends t to the tail of the queue.
func (m *Manager) Add(t *Task) *kernel.Error {
	m.ready = append(m.ready, t)
	return nil
}

// Fetch pops the head of the queue.
func (m *Manager) Fetch() *Task {
	if len(m.ready) == 0 {
		return nil
	}

	t := m.ready[0]
	m.ready[0] = nil
	m.ready = m.ready[1:]
	return t
}

// Remove drops t from the queue if it is still enqueued.
func (m *Manager) Remove(t *Task) {
	for i, r := range m.ready {
		if r == t {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return
		}
	}
}

// Len returns the queue length.
func (m *Manager) Len() int { return len(m.ready) }

package task

import (
	"slices"

	"rvgopher/kernel"
	"rvgopher/kernel/kfmt"
)

// PID is a process identifier.
type PID int

// NoParent marks a task whose parent is gone.
const NoParent PID = -1

var errBadPidDealloc = &kernel.Error{Module: "task", Message: "pid was never allocated or is already free"}

// PidAllocator hands out process ids, reusing released ones first.
type PidAllocator struct {
	current  PID
	recycled []PID
}

// Alloc returns an unused pid.
func (p *PidAllocator) Alloc() PID {
	if n := len(p.recycled); n != 0 {
		pid := p.recycled[n-1]
		p.recycled = p.recycled[:n-1]
		return pid
	}

	pid := p.current
	p.current++
	return pid
}

// Dealloc returns pid to the allocator. Releasing a pid twice is a kernel
// bug.
func (p *PidAllocator) Dealloc(pid PID) {
	if pid < 0 || pid >= p.current || slices.Contains(p.recycled, pid) {
		kfmt.Panic(errBadPidDealloc)
		return
	}
	p.recycled = append(p.recycled, pid)
}

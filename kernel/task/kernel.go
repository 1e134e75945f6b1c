// Package task implements processes: their kernel records, the pid space,
// kernel stacks, context switching and the schedulers that pick the next
// task to run.
package task

import (
	"sort"

	"github.com/sirupsen/logrus"

	"rvgopher/kernel"
	"rvgopher/kernel/kfmt"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/vmm"
	"rvgopher/kernel/sync"
	"rvgopher/kernel/trap"
)

var (
	// ErrNoSuchChild is returned by WaitPid when no child matches.
	ErrNoSuchChild = &kernel.Error{Module: "task", Message: "no matching child"}

	// ErrChildRunning is returned by WaitPid when matching children exist
	// but none of them has exited yet.
	ErrChildRunning = &kernel.Error{Module: "task", Message: "matching children are still running"}

	errNoCurrentTask = &kernel.Error{Module: "task", Message: "no task is running"}
)

// Layout holds the sizes and addresses the kernel uses when it builds a
// task.
type Layout struct {
	UserStackSize   mem.Size
	KernelStackSize mem.Size

	// TrapHandler is recorded in every trap frame as the address the trap
	// entry path jumps to.
	TrapHandler uint64
}

// Kernel owns every task, the scheduler and the processor state. One
// instance exists per booted system.
type Kernel struct {
	phys   *vmm.Physical
	space  *vmm.AddressSpace
	layout Layout
	sched  Scheduler

	// entry is the body of the kernel thread of every task. It is entered
	// the first time a task is switched to and drives the task's user code.
	entry func()

	lock     sync.Spinlock
	pids     PidAllocator
	tasks    map[PID]*Task
	current  *Task
	idle     TaskContext
	initProc *Task
	halted   *kernel.Error

	log *logrus.Entry
}

// NewKernel returns a kernel that builds tasks from phys, maps their kernel
// stacks in space and schedules them with sched.
func NewKernel(phys *vmm.Physical, space *vmm.AddressSpace, sched Scheduler, layout Layout, entry func()) *Kernel {
	return &Kernel{
		phys:   phys,
		space:  space,
		layout: layout,
		sched:  sched,
		entry:  entry,
		tasks:  make(map[PID]*Task),
		idle:   runningContext(),
		log:    kfmt.Logger("task"),
	}
}

// NewTask builds a task from an ELF image. The task is not scheduled until
// it is passed to Add.
func (k *Kernel) NewTask(image []byte) (*Task, *kernel.Error) {
	space, sp, entry, err := vmm.FromImage(k.phys, image, k.layout.UserStackSize)
	if err != nil {
		return nil, err
	}

	k.lock.Acquire()
	defer k.lock.Release()

	t, err := k.newTaskLocked(space, NoParent)
	if err != nil {
		space.Destroy()
		return nil, err
	}

	*t.TrapFrame(k.phys.Mem) = trap.AppInitContext(entry, sp, k.space.Token(), t.kstack.Top(), k.layout.TrapHandler)
	k.log.WithField("pid", t.pid).Debug("task created")
	return t, nil
}

func (k *Kernel) newTaskLocked(space *vmm.AddressSpace, parent PID) (*Task, *kernel.Error) {
	pte, err := space.Translate(mem.NewVirtAddr(mem.TrapContext).Floor())
	if err != nil {
		return nil, err
	}

	pid := k.pids.Alloc()
	kstack, err := newKernelStack(k.space, pid, k.layout.KernelStackSize)
	if err != nil {
		k.pids.Dealloc(pid)
		return nil, err
	}

	t := &Task{
		pid:       pid,
		kstack:    kstack,
		trapCxPPN: pte.PPN(),
		cx:        GotoTrapReturn(kstack.Top(), k.entry),
		status:    Ready,
		space:     space,
		parent:    parent,
	}
	k.tasks[pid] = t
	return t, nil
}

// Add makes t eligible to run.
func (k *Kernel) Add(t *Task) *kernel.Error {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.sched.Add(t)
}

// SetInitProc designates the task that adopts orphaned children.
func (k *Kernel) SetInitProc(t *Task) {
	k.lock.Exclusive(func() { k.initProc = t })
}

// Fork duplicates parent. The child gets a copy of the parent's address
// space, its own kernel stack, and returns 0 from the fork call. The child
// is scheduled before Fork returns.
func (k *Kernel) Fork(parent *Task) (*Task, *kernel.Error) {
	k.lock.Acquire()
	defer k.lock.Release()

	space, err := vmm.FromExisting(parent.space)
	if err != nil {
		return nil, err
	}

	child, err := k.newTaskLocked(space, parent.pid)
	if err != nil {
		space.Destroy()
		return nil, err
	}

	tf := child.TrapFrame(k.phys.Mem)
	tf.KernelSP = child.kstack.Top()
	tf.X[trap.RegA0] = 0

	if err = k.sched.Add(child); err != nil {
		k.reapLocked(child)
		return nil, err
	}

	parent.children = append(parent.children, child.pid)
	k.log.WithFields(logrus.Fields{"parent": parent.pid, "child": child.pid}).Debug("fork")
	return child, nil
}

// Exec replaces the address space of t with one built from image. On
// failure t is left untouched.
func (k *Kernel) Exec(t *Task, image []byte) *kernel.Error {
	space, sp, entry, err := vmm.FromImage(k.phys, image, k.layout.UserStackSize)
	if err != nil {
		return err
	}

	pte, err := space.Translate(mem.NewVirtAddr(mem.TrapContext).Floor())
	if err != nil {
		space.Destroy()
		return err
	}

	var old *vmm.AddressSpace
	k.lock.Exclusive(func() {
		old = t.space
		t.space = space
		t.trapCxPPN = pte.PPN()
		*t.TrapFrame(k.phys.Mem) = trap.AppInitContext(entry, sp, k.space.Token(), t.kstack.Top(), k.layout.TrapHandler)
	})

	old.Destroy()
	return nil
}

// Current returns the task that owns the processor.
func (k *Kernel) Current() *Task {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.current
}

// Lookup returns the live or zombie task with the given pid.
func (k *Kernel) Lookup(pid PID) (*Task, bool) {
	k.lock.Acquire()
	defer k.lock.Release()
	t, ok := k.tasks[pid]
	return t, ok
}

// Tasks returns every task that has not been reaped, ordered by pid.
func (k *Kernel) Tasks() []*Task {
	k.lock.Acquire()
	defer k.lock.Release()

	list := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].pid < list[j].pid })
	return list
}

func (k *Kernel) takeCurrentLocked() *Task {
	t := k.current
	if t == nil {
		kfmt.Panic(errNoCurrentTask)
	}
	k.current = nil
	return t
}

// SuspendCurrentAndRunNext puts the running task back in the scheduler and
// switches to the idle loop. It returns when the task is picked again.
func (k *Kernel) SuspendCurrentAndRunNext() {
	var t *Task
	k.lock.Exclusive(func() {
		t = k.takeCurrentLocked()
		t.status = Ready
		if err := k.sched.Add(t); err != nil {
			kfmt.Panic(err)
		}
	})

	Switch(&t.cx, &k.idle)
}

// ExitCurrentAndRunNext turns the running task into a zombie, hands its
// children to the init task and switches to the idle loop. It never returns.
func (k *Kernel) ExitCurrentAndRunNext(code int32) {
	k.lock.Exclusive(func() {
		k.exitLocked(k.takeCurrentLocked(), code)
	})

	switchAndExit(&k.idle)
}

// exitMarker is implemented by schedulers that keep exited tasks in place
// and must be told that the task they picked last has exited.
type exitMarker interface {
	MarkCurrentExited()
}

func (k *Kernel) exitLocked(t *Task, code int32) {
	if m, ok := k.sched.(exitMarker); ok {
		m.MarkCurrentExited()
	}
	t.status = Zombie
	t.exitCode = code

	adopter := k.initProc
	if adopter == t || (adopter != nil && adopter.status == Zombie) {
		adopter = nil
	}

	for _, pid := range t.children {
		child := k.tasks[pid]
		if adopter != nil {
			child.parent = adopter.pid
			adopter.children = append(adopter.children, pid)
			continue
		}

		child.parent = NoParent
		if child.status == Zombie {
			k.reapLocked(child)
		}
	}
	t.children = nil

	t.space.RecycleDataPages()
	k.log.WithFields(logrus.Fields{"pid": t.pid, "code": code}).Debug("task exited")
}

// reapLocked releases everything a zombie still holds.
func (k *Kernel) reapLocked(t *Task) {
	if t.parent != NoParent {
		if parent, ok := k.tasks[t.parent]; ok {
			parent.removeChild(t.pid)
		}
	}

	t.kstack.Release()
	t.space.Destroy()
	t.space = nil
	k.sched.Remove(t)
	delete(k.tasks, t.pid)
	k.pids.Dealloc(t.pid)
}

// WaitPid reaps an exited child of t. pid selects the child; -1 matches any
// child. It returns the pid and exit code of the reaped child,
// ErrNoSuchChild if no child matches, or ErrChildRunning if none of the
// matching children has exited yet.
func (k *Kernel) WaitPid(t *Task, pid int64) (PID, int32, *kernel.Error) {
	k.lock.Acquire()
	defer k.lock.Release()

	found := false
	for _, c := range t.children {
		if pid != -1 && PID(pid) != c {
			continue
		}

		found = true
		if child := k.tasks[c]; child.status == Zombie {
			code := child.exitCode
			k.reapLocked(child)
			return c, code, nil
		}
	}

	if !found {
		return 0, 0, ErrNoSuchChild
	}
	return 0, 0, ErrChildRunning
}

// Halt stops scheduling because of an unrecoverable error raised on the
// kernel thread of the running task. It never returns; RunTasks returns err.
func (k *Kernel) Halt(err *kernel.Error) {
	k.lock.Exclusive(func() {
		k.halted = err
		k.current = nil
	})

	switchAndExit(&k.idle)
}

// RunTasks is the idle loop of the processor. It keeps switching to the
// next ready task until none is left, then returns. If a task halted the
// kernel, RunTasks returns the error it halted with.
func (k *Kernel) RunTasks() *kernel.Error {
	for {
		t, err := k.fetchNext()
		if err != nil {
			return err
		}
		if t == nil {
			break
		}

		Switch(&k.idle, &t.cx)
		k.lock.Exclusive(func() { k.switchedOutLocked(t) })
	}

	k.log.Debug("no ready task left")
	return nil
}

// fetchNext hands the processor to the next ready task. It returns nil once
// no task is ready, or the error a task halted the kernel with.
func (k *Kernel) fetchNext() (*Task, *kernel.Error) {
	k.lock.Acquire()
	defer k.lock.Release()

	if k.halted != nil {
		return nil, k.halted
	}

	t := k.sched.Fetch()
	if t != nil {
		t.status = Running
		k.current = t
	}
	return t, nil
}

// switchedOutLocked cleans up after t gave the processor back to the idle
// loop.
func (k *Kernel) switchedOutLocked(t *Task) {
	if t.status != Zombie {
		return
	}

	// The task no longer runs on its kernel stack.
	t.kstack.Release()
	if t.parent == NoParent {
		k.reapLocked(t)
	}
}

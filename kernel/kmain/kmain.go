// Package kmain boots the kernel: it builds physical memory, the kernel
// address space, the hart and the platform, creates the first tasks and
// drives every task through the trap-return/trap-handle cycle.
package kmain

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"rvgopher/kernel"
	"rvgopher/kernel/config"
	"rvgopher/kernel/hart"
	"rvgopher/kernel/kfmt"
	"rvgopher/kernel/loader"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/mem/pmm/allocator"
	"rvgopher/kernel/mem/vmm"
	"rvgopher/kernel/sbi"
	"rvgopher/kernel/syscall"
	"rvgopher/kernel/task"
	"rvgopher/kernel/timer"
	"rvgopher/kernel/trap"
)

// trapHandlerVA is the kernel address trap entry jumps to after switching to
// the kernel address space. The hosted kernel handles traps in Go and only
// records the address in every trap frame.
const trapHandlerVA = 0x80200000

// Exit codes of tasks the kernel kills.
const (
	ExitMemoryFault        = -2
	ExitIllegalInstruction = -3
)

var (
	// ErrNoInitProc is returned when the configured init process is not a
	// known application.
	ErrNoInitProc = &kernel.Error{Module: "kmain", Message: "init process not found"}

	errUnexpectedTrap = &kernel.Error{Module: "kmain", Message: "unexpected trap from user mode"}
)

// System is a booted machine.
type System struct {
	cfg      *config.Config
	mem      *pmm.Memory
	frames   *allocator.BitmapAllocator
	space    *vmm.AddressSpace
	hart     *hart.Hart
	platform *sbi.Platform
	timer    *timer.Timer
	kernel   *task.Kernel
	syscalls *syscall.Handler
	log      *logrus.Entry
}

// Boot brings up a machine described by cfg whose console writes to console,
// and creates the initial tasks from apps. If cfg names an init process only
// that application is started; otherwise every application is.
func Boot(cfg *config.Config, apps *loader.Apps, console io.Writer) (*System, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kfmt.SetOutputSink(console)
	kfmt.SetColors(cfg.Colors)
	if err := kfmt.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	s := &System{cfg: cfg, log: kfmt.Logger("kmain")}
	fmt.Fprintln(console, "[kernel] Hello, world!")

	s.mem = pmm.NewMemory(mem.PhysBasePPN, cfg.MemoryFrames)
	start := pmm.FrameFromPPN(mem.PhysBasePPN)
	s.frames = allocator.NewBitmapAllocator(s.mem, start, start+pmm.Frame(cfg.MemoryFrames))

	trampoline, err := s.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	phys := &vmm.Physical{Mem: s.mem, Frames: s.frames, Trampoline: trampoline}

	if s.space, err = vmm.NewKernelSpace(phys); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"frames": cfg.MemoryFrames,
		"token":  fmt.Sprintf("%#x", s.space.Token()),
	}).Info("kernel space ready")

	s.hart = hart.New(s.mem)
	s.hart.SetSatp(s.space.Token())
	s.platform = sbi.New(console, s.hart)
	s.timer = timer.New(s.platform, cfg.ClockFreq, cfg.TicksPerSec)

	var sched task.Scheduler = task.NewManager()
	if cfg.Scheduler == config.SchedulerCyclic {
		sched = task.NewCyclicScheduler(cfg.MaxTasks)
	}

	layout := task.Layout{
		UserStackSize:   mem.Size(cfg.UserStackSize),
		KernelStackSize: mem.Size(cfg.KernelStackSize),
		TrapHandler:     trapHandlerVA,
	}
	s.kernel = task.NewKernel(phys, s.space, sched, layout, s.taskThread)
	s.syscalls = syscall.NewHandler(s.kernel, s.mem, s.platform, s.timer, apps)

	if err = s.spawnInitial(cfg, apps); err != nil {
		return nil, err
	}

	s.timer.SetNextTrigger()
	return s, nil
}

func (s *System) spawnInitial(cfg *config.Config, apps *loader.Apps) *kernel.Error {
	names := apps.Names()
	if cfg.InitProc != "" {
		names = []string{cfg.InitProc}
	}

	for _, name := range names {
		image, ok := apps.Lookup(name)
		if !ok {
			return ErrNoInitProc
		}

		t, err := s.kernel.NewTask(image)
		if err != nil {
			return err
		}
		if err = s.kernel.Add(t); err != nil {
			return err
		}
		if name == cfg.InitProc {
			s.kernel.SetInitProc(t)
		}
		s.log.WithFields(logrus.Fields{"app": name, "pid": t.PID()}).Info("task loaded")
	}
	return nil
}

// Kernel returns the task kernel of the system.
func (s *System) Kernel() *task.Kernel { return s.kernel }

// Platform returns the SBI platform of the system.
func (s *System) Platform() *sbi.Platform { return s.platform }

// FreeFrames returns the number of unallocated physical frames.
func (s *System) FreeFrames() uint64 { return s.frames.FreeCount() }

// Run schedules tasks until none is left and shuts the platform down. It
// returns the error that halted the kernel, if any.
func (s *System) Run() *kernel.Error {
	err := s.kernel.RunTasks()
	if err != nil {
		s.platform.Shutdown(true)
		return err
	}

	fmt.Fprintln(s.platform, "[kernel] All applications completed!")
	s.platform.Shutdown(false)
	return nil
}

// taskThread is the kernel thread of every task. It alternates between
// returning to user mode and handling the trap that brings the task back.
// A kernel panic raised on the thread halts the whole kernel.
func (s *System) taskThread() {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(*kernel.Error)
			if !ok {
				err = &kernel.Error{Module: "kmain", Message: fmt.Sprint(r)}
			}
			s.kernel.Halt(err)
		}
	}()

	for {
		s.trapReturn()
		s.trapHandler(s.hart.Run())
	}
}

func (s *System) trapReturn() {
	s.hart.Restore(s.kernel.Current().Token())
}

func (s *System) trapHandler(tr hart.Trap) {
	cur := s.kernel.Current()
	tf := cur.TrapFrame(s.mem)

	switch {
	case tr.Cause == trap.UserEnvCall:
		tf.Sepc += 4
		ret := s.syscalls.Dispatch(tf.X[trap.RegA7], [3]uint64{tf.X[trap.RegA0], tf.X[trap.RegA1], tf.X[trap.RegA2]})
		// exec replaces the trap frame.
		tf = s.kernel.Current().TrapFrame(s.mem)
		tf.X[trap.RegA0] = uint64(ret)
	case tr.Cause == trap.SupervisorTimer:
		s.timer.SetNextTrigger()
		s.kernel.SuspendCurrentAndRunNext()
	case tr.Cause.IsMemoryFault():
		fmt.Fprintf(s.platform, "[kernel] %s in application, bad addr = %#x, bad instruction = %#x, kernel killed it.\n", tr.Cause, tr.Stval, tf.Sepc)
		s.dumpFrame(cur, tf)
		s.kernel.ExitCurrentAndRunNext(ExitMemoryFault)
	case tr.Cause == trap.IllegalInstruction:
		fmt.Fprintln(s.platform, "[kernel] IllegalInstruction in application, kernel killed it.")
		s.dumpFrame(cur, tf)
		s.kernel.ExitCurrentAndRunNext(ExitIllegalInstruction)
	default:
		s.log.WithFields(logrus.Fields{"pid": cur.PID(), "cause": tr.Cause}).Error("unexpected trap")
		kfmt.Panic(errUnexpectedTrap)
	}
}

func (s *System) dumpFrame(cur *task.Task, tf *trap.TrapFrame) {
	if !s.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	s.log.WithField("pid", cur.PID()).Debug("registers at fault:")
	tf.DumpTo(&kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[trap] ")})
}

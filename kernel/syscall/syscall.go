// Package syscall implements the system calls user programs issue with
// ecall. The call number travels in a7, arguments in a0-a2 and the result is
// returned in a0.
package syscall

import (
	"encoding/binary"
	"io"

	"github.com/sirupsen/logrus"

	"rvgopher/kernel"
	"rvgopher/kernel/kfmt"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/mem/vmm"
	"rvgopher/kernel/task"
)

// System call numbers.
const (
	SysWrite   = 64
	SysExit    = 93
	SysYield   = 124
	SysGetTime = 169
	SysGetPid  = 172
	SysSbrk    = 214
	SysFork    = 220
	SysExec    = 221
	SysWaitPid = 260
)

// FdStdout is the only file descriptor write accepts.
const FdStdout = 1

// Images resolves the program names passed to exec.
type Images interface {
	Lookup(name string) ([]byte, bool)
}

// Clock reports the time since boot.
type Clock interface {
	GetTimeMs() uint64
}

// Handler executes system calls on behalf of the running task.
type Handler struct {
	kernel  *task.Kernel
	mem     *pmm.Memory
	console io.Writer
	clock   Clock
	images  Images
	log     *logrus.Entry
}

// NewHandler returns a handler that writes console output to console and
// resolves exec names through images.
func NewHandler(k *task.Kernel, m *pmm.Memory, console io.Writer, clock Clock, images Images) *Handler {
	return &Handler{
		kernel:  k,
		mem:     m,
		console: console,
		clock:   clock,
		images:  images,
		log:     kfmt.Logger("syscall"),
	}
}

// Dispatch runs system call id with args for the current task and returns
// the value to place in a0. Failures are reported as negative values.
// Dispatch does not return for exit.
func (h *Handler) Dispatch(id uint64, args [3]uint64) int64 {
	cur := h.kernel.Current()

	switch id {
	case SysWrite:
		return h.write(cur, args[0], args[1], args[2])
	case SysExit:
		h.log.WithFields(logrus.Fields{"pid": cur.PID(), "code": int32(args[0])}).Info("Application exited")
		h.kernel.ExitCurrentAndRunNext(int32(args[0]))
		return 0
	case SysYield:
		h.kernel.SuspendCurrentAndRunNext()
		return 0
	case SysGetTime:
		return int64(h.clock.GetTimeMs())
	case SysGetPid:
		return int64(cur.PID())
	case SysSbrk:
		oldBrk, err := cur.Space().ChangeProgramBrk(int64(args[0]))
		if err != nil {
			return -1
		}
		return int64(oldBrk)
	case SysFork:
		child, err := h.kernel.Fork(cur)
		if err != nil {
			h.log.WithField("pid", cur.PID()).Warnf("fork failed: %s", err)
			return -1
		}
		return int64(child.PID())
	case SysExec:
		return h.exec(cur, args[0])
	case SysWaitPid:
		return h.waitPid(cur, int64(args[0]), args[1])
	default:
		h.log.WithFields(logrus.Fields{"pid": cur.PID(), "id": id}).Warn("unsupported syscall")
		return -1
	}
}

func (h *Handler) write(cur *task.Task, fd, ptr, length uint64) int64 {
	if fd != FdStdout {
		return -1
	}

	buffers, err := vmm.TranslatedByteBuffer(h.mem, cur.Token(), ptr, length)
	if err != nil {
		return -1
	}
	for _, b := range buffers {
		if _, werr := h.console.Write(b); werr != nil {
			return -1
		}
	}
	return int64(length)
}

func (h *Handler) exec(cur *task.Task, pathPtr uint64) int64 {
	name, err := vmm.TranslatedStr(h.mem, cur.Token(), pathPtr)
	if err != nil {
		return -1
	}

	image, ok := h.images.Lookup(name)
	if !ok {
		return -1
	}
	if err = h.kernel.Exec(cur, image); err != nil {
		h.log.WithFields(logrus.Fields{"pid": cur.PID(), "app": name}).Warnf("exec failed: %s", err)
		return -1
	}
	return 0
}

func (h *Handler) waitPid(cur *task.Task, pid int64, codePtr uint64) int64 {
	var out []byte
	if codePtr != 0 {
		var err *kernel.Error
		if out, err = vmm.TranslatedRefMut(h.mem, cur.Token(), codePtr, 4); err != nil {
			return -1
		}
	}

	child, code, err := h.kernel.WaitPid(cur, pid)
	switch err {
	case nil:
	case task.ErrChildRunning:
		return -2
	default:
		return -1
	}

	if out != nil {
		binary.LittleEndian.PutUint32(out, uint32(code))
	}
	return int64(child)
}

// Package user contains the built-in user programs. They are assembled
// with the hart assembler into ELF images the loader accepts.
package user

import (
	"debug/elf"
	"strconv"

	"rvgopher/kernel/hart"
	"rvgopher/kernel/loader"
	"rvgopher/kernel/syscall"
)

// TextBase is the address every built-in program is linked at.
const TextBase = 0x10000

// InitName is the name the init program is registered under.
const InitName = "initproc"

// App is a named program image.
type App struct {
	Name  string
	Image []byte
}

// link assembles a and wraps the code in a single read/execute segment.
// The programs are fixed, so an assembler error is a bug in this package.
func link(a *hart.Asm) []byte {
	code, err := a.Assemble()
	if err != nil {
		panic(err)
	}

	return loader.Build(&loader.Image{
		Entry: TextBase,
		Segments: []loader.Segment{
			{Vaddr: TextBase, Memsz: uint64(len(code)), Flags: elf.PF_R | elf.PF_X, Data: code},
		},
	})
}

// write emits write(stdout, label, n).
func write(a *hart.Asm, label string, n int64) *hart.Asm {
	return a.Li(hart.A0, syscall.FdStdout).
		La(hart.A1, label).
		Li(hart.A2, n).
		Syscall(syscall.SysWrite)
}

// exit emits exit(code).
func exit(a *hart.Asm, code int64) *hart.Asm {
	return a.Li(hart.A0, code).Syscall(syscall.SysExit)
}

func cstr(s string) []byte { return append([]byte(s), 0) }

// Hello prints a greeting and exits with code 0.
func Hello() []byte {
	const msg = "Hello, world!\n"

	a := hart.NewAsm(TextBase)
	write(a, "msg", int64(len(msg)))
	exit(a, 0)
	a.Label("msg").Data([]byte(msg))
	return link(a)
}

// Counter prints letter n times, yielding the processor after every print,
// and exits with the number of iterations it counted. The loop counter lives
// in a callee-saved register across every yield.
func Counter(letter byte, n int64) []byte {
	a := hart.NewAsm(TextBase)
	a.Addi(hart.SP, hart.SP, -16).
		Li(hart.T0, int64(letter)).
		Sb(hart.T0, hart.SP, 0).
		Li(hart.S1, 0).
		Li(hart.S2, n).
		Label("loop").
		Bge(hart.S1, hart.S2, "done").
		Li(hart.A0, syscall.FdStdout).
		Mv(hart.A1, hart.SP).
		Li(hart.A2, 1).
		Syscall(syscall.SysWrite).
		Syscall(syscall.SysYield).
		Addi(hart.S1, hart.S1, 1).
		J("loop").
		Label("done").
		Mv(hart.A0, hart.S1).
		Syscall(syscall.SysExit)
	return link(a)
}

// Spin busy-loops for the given number of iterations without making a
// system call, then prints letter and exits with code 0. Only the timer can
// take the processor away from it.
func Spin(letter byte, iterations int64) []byte {
	a := hart.NewAsm(TextBase)
	a.Li(hart.T0, 0).
		Li(hart.T1, iterations).
		Label("loop").
		Bge(hart.T0, hart.T1, "done").
		Addi(hart.T0, hart.T0, 1).
		J("loop").
		Label("done")
	write(a, "letter", 1)
	exit(a, 0)
	a.Label("letter").Data([]byte{letter})
	return link(a)
}

// BadStore writes to an unmapped address.
func BadStore() []byte {
	a := hart.NewAsm(TextBase)
	a.Li(hart.T0, 0).Sd(hart.T1, hart.T0, 0)
	exit(a, 0)
	return link(a)
}

// Illegal executes an instruction the hart does not implement.
func Illegal() []byte {
	a := hart.NewAsm(TextBase)
	a.Emit(0xffffffff)
	exit(a, 0)
	return link(a)
}

// ForkTest forks a child that prints "child" and exits with code 7. The
// parent waits for it and prints the child's exit code as a digit.
func ForkTest() []byte {
	a := hart.NewAsm(TextBase)
	a.Addi(hart.SP, hart.SP, -16).
		Syscall(syscall.SysFork).
		Bne(hart.A0, hart.Zero, "parent")
	write(a, "child", 6)
	exit(a, 7)

	a.Label("parent").
		Mv(hart.S1, hart.A0).
		Label("wait").
		Mv(hart.A0, hart.S1).
		Mv(hart.A1, hart.SP).
		Syscall(syscall.SysWaitPid).
		Li(hart.T0, -2).
		Bne(hart.A0, hart.T0, "reaped").
		Syscall(syscall.SysYield).
		J("wait").
		Label("reaped").
		Bne(hart.A0, hart.S1, "fail").
		Lw(hart.T0, hart.SP, 0).
		Addi(hart.T0, hart.T0, '0').
		Sb(hart.T0, hart.SP, 0).
		Li(hart.T0, '\n').
		Sb(hart.T0, hart.SP, 1).
		Li(hart.A0, syscall.FdStdout).
		Mv(hart.A1, hart.SP).
		Li(hart.A2, 2).
		Syscall(syscall.SysWrite)
	exit(a, 0)
	a.Label("fail")
	exit(a, -1)

	a.Label("child").Data([]byte("child\n"))
	return link(a)
}

// ExecTest replaces itself with the program registered as target. If exec
// fails it prints a message and exits with code -1.
func ExecTest(target string) []byte {
	const msg = "exec failed\n"

	a := hart.NewAsm(TextBase)
	a.La(hart.A0, "target").Syscall(syscall.SysExec)
	write(a, "msg", int64(len(msg)))
	exit(a, -1)
	a.Label("msg").Data([]byte(msg))
	a.Label("target").Data(cstr(target))
	return link(a)
}

// SbrkTest grows the heap by one page, stores a byte in it, prints that
// byte from the heap, shrinks the heap back and exits with code 0.
func SbrkTest() []byte {
	a := hart.NewAsm(TextBase)
	a.Li(hart.A0, 4096).
		Syscall(syscall.SysSbrk).
		Mv(hart.S1, hart.A0).
		Li(hart.T0, 'H').
		Sb(hart.T0, hart.S1, 0).
		Li(hart.T0, '\n').
		Sb(hart.T0, hart.S1, 1).
		Li(hart.A0, syscall.FdStdout).
		Mv(hart.A1, hart.S1).
		Li(hart.A2, 2).
		Syscall(syscall.SysWrite).
		Li(hart.A0, -4096).
		Syscall(syscall.SysSbrk)
	exit(a, 0)
	return link(a)
}

// InitProc forks one child per name and makes it exec that program. It
// then reaps children, yielding while any is alive, and exits once none is
// left.
func InitProc(names ...string) []byte {
	a := hart.NewAsm(TextBase)
	a.Addi(hart.SP, hart.SP, -16)

	for i := range names {
		parent := "parent" + strconv.Itoa(i)
		a.Syscall(syscall.SysFork).
			Bne(hart.A0, hart.Zero, parent).
			La(hart.A0, "name"+strconv.Itoa(i)).
			Syscall(syscall.SysExec).
			Syscall(syscall.SysExit).
			Label(parent)
	}

	a.Label("wait").
		Li(hart.A0, -1).
		Mv(hart.A1, hart.SP).
		Syscall(syscall.SysWaitPid).
		Li(hart.T0, -1).
		Beq(hart.A0, hart.T0, "done").
		Li(hart.T0, -2).
		Bne(hart.A0, hart.T0, "wait").
		Syscall(syscall.SysYield).
		J("wait").
		Label("done")
	exit(a, 0)

	for i, name := range names {
		a.Label("name" + strconv.Itoa(i)).Data(cstr(name))
	}
	return link(a)
}

// Builtins returns the demo programs registered by default.
func Builtins() []App {
	return []App{
		{"hello", Hello()},
		{"counter_a", Counter('A', 3)},
		{"counter_b", Counter('B', 3)},
		{"counter_c", Counter('C', 3)},
		{"forktest", ForkTest()},
		{"exectest", ExecTest("hello")},
		{"sbrktest", SbrkTest()},
	}
}

// Register adds every built-in program to apps.
func Register(apps *loader.Apps) error {
	for _, app := range Builtins() {
		if err := apps.Add(app.Name, app.Image); err != nil {
			return err
		}
	}
	return nil
}

// RegisterInit adds an init program that starts every application already
// registered in apps.
func RegisterInit(apps *loader.Apps) error {
	if err := apps.Add(InitName, InitProc(apps.Names()...)); err != nil {
		return err
	}
	return nil
}

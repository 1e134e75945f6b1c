package task

import "runtime"

// TaskContext is the saved kernel execution state of a task. Every task
// runs its kernel side on a dedicated goroutine; the goroutine's stack plays
// the role of the callee-saved registers and stack pointer, and wake is the
// return address Switch jumps through.
type TaskContext struct {
	// ra is where a context that has never run starts executing.
	ra func()

	// sp is the top of the kernel stack the context runs on.
	sp uint64

	wake    chan struct{}
	started bool
}

// GotoTrapReturn returns a context that, when first switched to, starts
// executing trapReturn on the kernel stack whose top is kstackTop.
func GotoTrapReturn(kstackTop uint64, trapReturn func()) TaskContext {
	return TaskContext{
		ra:   trapReturn,
		sp:   kstackTop,
		wake: make(chan struct{}, 1),
	}
}

// runningContext returns a context for code that is already executing, such
// as the idle loop of the processor.
func runningContext() TaskContext {
	return TaskContext{
		wake:    make(chan struct{}, 1),
		started: true,
	}
}

// SP returns the kernel stack top recorded for the context.
func (cx *TaskContext) SP() uint64 { return cx.sp }

func (cx *TaskContext) resume() {
	if !cx.started {
		cx.started = true
		go cx.ra()
		return
	}
	cx.wake <- struct{}{}
}

// Switch saves the current kernel context into cur and resumes next. It
// returns when another Switch resumes cur.
func Switch(cur, next *TaskContext) {
	next.resume()
	<-cur.wake
}

// switchAndExit resumes next and terminates the calling kernel thread.
// Deferred calls of the thread run before it ends.
func switchAndExit(next *TaskContext) {
	next.resume()
	runtime.Goexit()
}

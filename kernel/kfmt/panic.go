package kfmt

import (
	"fmt"

	"rvgopher/kernel"
)

var (
	// haltFn is mocked by tests. The hosted kernel halts by unwinding the
	// running kernel thread with the error that caused the panic.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// machine. Panic is the single place where invariant violations end up; every
// other code path reports failures through *kernel.Error return values.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	w := GetOutputSink()
	fmt.Fprintf(w, "\n-----------------------------------\n")
	if err != nil {
		fmt.Fprintf(w, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	fmt.Fprintf(w, "*** kernel panic: system halted ***")
	fmt.Fprintf(w, "\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}

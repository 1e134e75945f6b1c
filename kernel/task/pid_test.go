package task

import (
	"testing"

	"rvgopher/kernel/kfmt"
)

func TestPidAllocator(t *testing.T) {
	var p PidAllocator

	for exp := PID(0); exp < 3; exp++ {
		if got := p.Alloc(); got != exp {
			t.Fatalf("expected pid %d; got %d", exp, got)
		}
	}

	p.Dealloc(1)
	if got := p.Alloc(); got != 1 {
		t.Fatalf("expected recycled pid 1; got %d", got)
	}
	if got := p.Alloc(); got != 3 {
		t.Fatalf("expected pid 3; got %d", got)
	}
}

func TestPidAllocatorDoubleFree(t *testing.T) {
	kfmt.SetOutputSink(nil)

	specs := []struct {
		name string
		pid  PID
	}{
		{"never allocated", 7},
		{"negative", -1},
		{"already free", 0},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var p PidAllocator
			p.Alloc()
			if spec.pid == 0 {
				p.Dealloc(0)
			}

			defer func() {
				if r := recover(); r != errBadPidDealloc {
					t.Fatalf("expected panic with %v; got %v", errBadPidDealloc, r)
				}
			}()
			p.Dealloc(spec.pid)
		})
	}
}

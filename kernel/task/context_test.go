package task

import "testing"

func TestSwitchPreservesKernelState(t *testing.T) {
	var (
		idle  = runningContext()
		trace []int
		a, b  TaskContext
	)

	a = GotoTrapReturn(0x1000, func() {
		counter := 0
		for i := 0; i < 3; i++ {
			counter++
			trace = append(trace, counter)
			Switch(&a, &b)
		}
		switchAndExit(&idle)
	})
	b = GotoTrapReturn(0x2000, func() {
		counter := 100
		for {
			counter++
			trace = append(trace, counter)
			Switch(&b, &a)
		}
	})

	if got := a.SP(); got != 0x1000 {
		t.Fatalf("expected stack top 0x1000; got %#x", got)
	}

	Switch(&idle, &a)

	exp := []int{1, 101, 2, 102, 3, 103}
	if len(trace) != len(exp) {
		t.Fatalf("expected trace %v; got %v", exp, trace)
	}
	for i := range exp {
		if trace[i] != exp[i] {
			t.Fatalf("expected trace %v; got %v", exp, trace)
		}
	}
}

package sbi

import (
	"bytes"
	"testing"
)

type fakeClock struct {
	now, cmp uint64
}

func (c *fakeClock) Time() uint64        { return c.now }
func (c *fakeClock) SetTimer(cmp uint64) { c.cmp = cmp }

func TestPlatform(t *testing.T) {
	var (
		buf   bytes.Buffer
		clock = &fakeClock{now: 42}
		p     = New(&buf, clock)
	)

	p.ConsolePutchar('h')
	if _, err := p.Write([]byte("ello")); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "hello" {
		t.Fatalf("expected console output %q; got %q", "hello", got)
	}

	if got := p.GetTime(); got != 42 {
		t.Fatalf("expected time 42; got %d", got)
	}
	p.SetTimer(100)
	if clock.cmp != 100 {
		t.Fatalf("expected timer compare 100; got %d", clock.cmp)
	}

	if halted, _ := p.Status(); halted {
		t.Fatal("did not expect the platform to be halted")
	}

	p.Shutdown(true)
	p.Shutdown(false)

	select {
	case <-p.Done():
	default:
		t.Fatal("expected Done to be closed after Shutdown")
	}
	if halted, failure := p.Status(); !halted || !failure {
		t.Fatalf("expected halted with failure; got halted=%t failure=%t", halted, failure)
	}
}

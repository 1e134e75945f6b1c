// Package sbi provides the supervisor binary interface the kernel calls into:
// console output, the timer compare register and machine shutdown.
package sbi

import (
	"io"
	"sync"

	"rvgopher/kernel/kfmt"
)

// Clock is the machine timer: a free running counter and its compare
// register.
type Clock interface {
	Time() uint64
	SetTimer(cmp uint64)
}

// Platform implements the SBI calls on top of a console writer and the
// hart's timer.
type Platform struct {
	console io.Writer
	clock   Clock

	mu       sync.Mutex
	halted   bool
	failure  bool
	shutdown chan struct{}
}

// New returns a platform writing console output to console.
func New(console io.Writer, clock Clock) *Platform {
	return &Platform{
		console:  console,
		clock:    clock,
		shutdown: make(chan struct{}),
	}
}

// ConsolePutchar writes one byte to the console.
func (p *Platform) ConsolePutchar(c byte) {
	_, _ = p.console.Write([]byte{c})
}

// Write implements io.Writer on top of the console.
func (p *Platform) Write(b []byte) (int, error) {
	return p.console.Write(b)
}

// GetTime returns the value of the time counter.
func (p *Platform) GetTime() uint64 { return p.clock.Time() }

// SetTimer programs the timer compare register.
func (p *Platform) SetTimer(cmp uint64) { p.clock.SetTimer(cmp) }

// Shutdown powers the machine off. Subsequent calls are ignored.
func (p *Platform) Shutdown(failure bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted {
		return
	}
	p.halted, p.failure = true, failure
	close(p.shutdown)

	kfmt.Logger("sbi").WithField("failure", failure).Info("shutdown")
}

// Done is closed once Shutdown has been called.
func (p *Platform) Done() <-chan struct{} { return p.shutdown }

// Status reports whether the machine was shut down and whether the shutdown
// signalled a failure.
func (p *Platform) Status() (halted, failure bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted, p.failure
}

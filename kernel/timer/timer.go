// Package timer converts the machine time counter into wall-clock units and
// arms the time slice interrupt.
package timer

// MsecPerSec is the number of milliseconds in a second.
const MsecPerSec = 1000

// Clock is the SBI view of the machine timer.
type Clock interface {
	GetTime() uint64
	SetTimer(cmp uint64)
}

// Timer reads the time counter of a clock running at a fixed frequency.
type Timer struct {
	clock       Clock
	clockFreq   uint64
	ticksPerSec uint64
}

// New returns a timer for clock running at clockFreq ticks per second that
// preempts ticksPerSec times per second.
func New(clock Clock, clockFreq, ticksPerSec uint64) *Timer {
	return &Timer{clock: clock, clockFreq: clockFreq, ticksPerSec: ticksPerSec}
}

// GetTime returns the raw time counter.
func (t *Timer) GetTime() uint64 { return t.clock.GetTime() }

// GetTimeMs returns the time since boot in milliseconds.
func (t *Timer) GetTimeMs() uint64 {
	return t.clock.GetTime() / (t.clockFreq / MsecPerSec)
}

// Slice returns the length of one time slice in clock ticks.
func (t *Timer) Slice() uint64 { return t.clockFreq / t.ticksPerSec }

// SetNextTrigger arms the timer to fire one time slice from now.
func (t *Timer) SetNextTrigger() {
	t.clock.SetTimer(t.clock.GetTime() + t.Slice())
}

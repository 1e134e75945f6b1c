package allocator

import (
	"testing"

	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
)

func newTestAllocator(frames uint64) (*pmm.Memory, *BitmapAllocator) {
	m := pmm.NewMemory(mem.PhysBasePPN, frames)
	start := pmm.FrameFromPPN(mem.PhysBasePPN)
	return m, NewBitmapAllocator(m, start, start+pmm.Frame(frames))
}

func TestAllocFrame(t *testing.T) {
	m, alloc := newTestAllocator(70)

	if got := alloc.TotalFrames(); got != 70 {
		t.Fatalf("expected 70 frames; got %d", got)
	}

	// Dirty all of physical memory; allocations must hand out zeroed frames.
	for ppn := m.Base(); ppn < m.End(); ppn++ {
		for i := range m.Words(ppn) {
			m.Words(ppn)[i] = 0xf0f0f0f0f0f0f0f0
		}
	}

	seen := make(map[pmm.Frame]bool)
	for i := 0; i < 70; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("[alloc %d] frame %x handed out twice", i, frame)
		}
		seen[frame] = true

		for wi, w := range m.Words(frame.PPN()) {
			if w != 0 {
				t.Fatalf("[alloc %d] expected word %d of frame %x to be zeroed; got %x", i, wi, frame, w)
			}
		}
	}

	if got := alloc.FreeCount(); got != 0 {
		t.Fatalf("expected free count 0; got %d", got)
	}

	if frame, err := alloc.AllocFrame(); err != ErrOutOfMemory || frame.Valid() {
		t.Fatalf("expected ErrOutOfMemory and an invalid frame; got %v, %x", err, frame)
	}
}

func TestFreeFrame(t *testing.T) {
	_, alloc := newTestAllocator(8)

	var frames []pmm.Frame
	for i := 0; i < 8; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, frame)
	}

	if err := alloc.FreeFrame(frames[3]); err != nil {
		t.Fatal(err)
	}
	if got := alloc.FreeCount(); got != 1 {
		t.Fatalf("expected free count 1; got %d", got)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != frames[3] {
		t.Fatalf("expected freed frame %x to be reused; got %x", frames[3], frame)
	}

	specs := []struct {
		frame pmm.Frame
	}{
		{frames[0] - 1},
		{frames[7] + 1},
		{pmm.InvalidFrame},
	}
	for specIndex, spec := range specs {
		if err := alloc.FreeFrame(spec.frame); err != ErrFrameNotReserved {
			t.Errorf("[spec %d] expected ErrFrameNotReserved; got %v", specIndex, err)
		}
	}

	if err := alloc.FreeFrame(frames[0]); err != nil {
		t.Fatal(err)
	}
	if err := alloc.FreeFrame(frames[0]); err != ErrFrameNotReserved {
		t.Fatalf("expected double free to fail with ErrFrameNotReserved; got %v", err)
	}
}

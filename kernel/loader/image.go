// Package loader reads and writes the ELF64 RISC-V program images run by the
// kernel and keeps the table of applications known at boot.
package loader

import (
	"bytes"
	"debug/elf"
	"io"

	"rvgopher/kernel"
	"rvgopher/kernel/mem"
)

var (
	// ErrBadImage is returned for images that are not RISC-V ELF64
	// executables.
	ErrBadImage = &kernel.Error{Module: "loader", Message: "not a RISC-V ELF64 executable"}

	// ErrBadSegment is returned for loadable segments whose file size
	// exceeds their memory size, whose contents cannot be read or that do
	// not fit in the user half of the address space.
	ErrBadSegment = &kernel.Error{Module: "loader", Message: "malformed loadable segment"}
)

// Segment is a loadable part of a program image.
type Segment struct {
	Vaddr uint64
	Memsz uint64
	Flags elf.ProgFlag

	// Data holds the initialized bytes; the remaining Memsz-len(Data)
	// bytes are zero-filled.
	Data []byte
}

// Image is a parsed program.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Parse decodes an ELF64 RISC-V executable.
func Parse(data []byte) (*Image, *kernel.Error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, ErrBadImage
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV || f.Data != elf.ELFDATA2LSB {
		return nil, ErrBadImage
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		end := prog.Vaddr + prog.Memsz
		if prog.Filesz > prog.Memsz || end < prog.Vaddr || end > mem.UserSpaceEnd {
			return nil, ErrBadSegment
		}

		buf := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), buf); err != nil {
			return nil, ErrBadSegment
		}

		img.Segments = append(img.Segments, Segment{
			Vaddr: prog.Vaddr,
			Memsz: prog.Memsz,
			Flags: prog.Flags,
			Data:  buf,
		})
	}

	return img, nil
}

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"unsafe"
)

const (
	ehdrSize = uint64(unsafe.Sizeof(elf.Header64{}))
	phdrSize = uint64(unsafe.Sizeof(elf.Prog64{}))
)

// Build encodes img as an ELF64 RISC-V executable with one program header per
// segment and no section headers.
func Build(img *Image) []byte {
	var (
		buf    bytes.Buffer
		offset = ehdrSize + phdrSize*uint64(len(img.Segments))
	)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     ehdrSize,
		Ehsize:    uint16(ehdrSize),
		Phentsize: uint16(phdrSize),
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)

	for _, seg := range img.Segments {
		_ = binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    offset,
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  seg.Memsz,
			Align:  0x1000,
		})
		offset += uint64(len(seg.Data))
	}

	for _, seg := range img.Segments {
		buf.Write(seg.Data)
	}

	return buf.Bytes()
}

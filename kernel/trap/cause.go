package trap

import "strconv"

// Cause is the value of the scause register.
type Cause uint64

const interruptBit = Cause(1) << 63

// Exceptions and interrupts raised by the hart.
const (
	InstructionMisaligned = Cause(0)
	InstructionFault      = Cause(1)
	IllegalInstruction    = Cause(2)
	Breakpoint            = Cause(3)
	LoadMisaligned        = Cause(4)
	LoadFault             = Cause(5)
	StoreMisaligned       = Cause(6)
	StoreFault            = Cause(7)
	UserEnvCall           = Cause(8)
	InstructionPageFault  = Cause(12)
	LoadPageFault         = Cause(13)
	StorePageFault        = Cause(15)

	SupervisorTimer = interruptBit | Cause(5)
)

// IsInterrupt reports whether the cause is an asynchronous interrupt.
func (c Cause) IsInterrupt() bool {
	return c&interruptBit != 0
}

// IsMemoryFault reports whether the cause is an access or page fault.
func (c Cause) IsMemoryFault() bool {
	switch c {
	case InstructionFault, LoadFault, StoreFault,
		InstructionPageFault, LoadPageFault, StorePageFault,
		InstructionMisaligned, LoadMisaligned, StoreMisaligned:
		return true
	}
	return false
}

var causeNames = map[Cause]string{
	InstructionMisaligned: "InstructionMisaligned",
	InstructionFault:      "InstructionFault",
	IllegalInstruction:    "IllegalInstruction",
	Breakpoint:            "Breakpoint",
	LoadMisaligned:        "LoadMisaligned",
	LoadFault:             "LoadFault",
	StoreMisaligned:       "StoreMisaligned",
	StoreFault:            "StoreFault",
	UserEnvCall:           "UserEnvCall",
	InstructionPageFault:  "InstructionPageFault",
	LoadPageFault:         "LoadPageFault",
	StorePageFault:        "StorePageFault",
	SupervisorTimer:       "SupervisorTimer",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	if c.IsInterrupt() {
		return "Interrupt(" + strconv.FormatUint(uint64(c&^interruptBit), 10) + ")"
	}
	return "Exception(" + strconv.FormatUint(uint64(c), 10) + ")"
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"rvgopher/kernel/config"
	"rvgopher/kernel/loader"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/mem/pmm/allocator"
	"rvgopher/kernel/mem/vmm"
	"rvgopher/user"
)

// inspectCmd implements subcommands.Command for the "inspect" command.
type inspectCmd struct{}

// Name implements subcommands.Command.Name.
func (*inspectCmd) Name() string { return "inspect" }

// Synopsis implements subcommands.Command.Synopsis.
func (*inspectCmd) Synopsis() string { return "show the segments and address space of a program" }

// Usage implements subcommands.Command.Usage.
func (*inspectCmd) Usage() string {
	return `inspect <image.elf | builtin name> ... - print the program headers of each
image and the user address space the kernel builds from it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*inspectCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*inspectCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	builtins := loader.NewApps()
	if err := user.Register(builtins); err != nil {
		return fatalf("%v", err)
	}

	for _, arg := range f.Args() {
		image, ok := builtins.Lookup(arg)
		if !ok {
			var err error
			if image, err = os.ReadFile(arg); err != nil {
				return fatalf("%v", err)
			}
		}
		if err := inspect(os.Stdout, arg, image); err != nil {
			return fatalf("%s: %v", arg, err)
		}
	}
	return subcommands.ExitSuccess
}

// inspect prints the loadable segments of image and the areas of the address
// space built from it with the default stack size.
func inspect(w io.Writer, name string, image []byte) error {
	img, kerr := loader.Parse(image)
	if kerr != nil {
		return kerr
	}

	cfg := config.Default()
	m := pmm.NewMemory(mem.PhysBasePPN, cfg.MemoryFrames)
	start := pmm.FrameFromPPN(mem.PhysBasePPN)
	alloc := allocator.NewBitmapAllocator(m, start, start+pmm.Frame(cfg.MemoryFrames))
	trampoline, kerr := alloc.AllocFrame()
	if kerr != nil {
		return kerr
	}

	space, sp, entry, kerr := vmm.FromImage(&vmm.Physical{Mem: m, Frames: alloc, Trampoline: trampoline}, image, mem.Size(cfg.UserStackSize))
	if kerr != nil {
		return kerr
	}
	defer space.Destroy()

	fmt.Fprintf(w, "%s: entry %#x, user sp %#x, token %#x\n", name, entry, sp, space.Token())

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tVADDR\tMEMSZ\tFILESZ\tFLAGS")
	for i, seg := range img.Segments {
		fmt.Fprintf(tw, "%d\t%#x\t%#x\t%#x\t%s\n", i, seg.Vaddr, seg.Memsz, len(seg.Data), seg.Flags)
	}
	fmt.Fprintln(tw, "\t\t\t\t")
	fmt.Fprintln(tw, "AREA\tSTART\tEND\tPAGES\tPERM")
	for i, area := range space.Areas() {
		fmt.Fprintf(tw, "%d\t%#x\t%#x\t%d\t%s\n", i, uint64(area.Start().Addr()), uint64(area.End().Addr()), area.Pages(), area.Perm())
	}
	return tw.Flush()
}

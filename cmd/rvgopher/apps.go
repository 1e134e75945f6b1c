package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"rvgopher/kernel/loader"
	"rvgopher/user"
)

// appsCmd implements subcommands.Command for the "apps" command.
type appsCmd struct {
	dir string
}

// Name implements subcommands.Command.Name.
func (*appsCmd) Name() string { return "apps" }

// Synopsis implements subcommands.Command.Synopsis.
func (*appsCmd) Synopsis() string { return "list the applications the kernel would run" }

// Usage implements subcommands.Command.Usage.
func (*appsCmd) Usage() string {
	return `apps [-dir path] - list the built-in programs and the images in path.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *appsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.dir, "dir", "", "directory of *.elf applications")
}

// Execute implements subcommands.Command.Execute.
func (a *appsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	apps := loader.NewApps()
	if err := user.Register(apps); err != nil {
		return fatalf("%v", err)
	}
	if a.dir != "" {
		if err := apps.LoadDir(ctx, a.dir); err != nil {
			return fatalf("%v", err)
		}
	}

	if err := listApps(os.Stdout, apps); err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// listApps prints one line per application with its size, entry point and
// number of loadable segments.
func listApps(w io.Writer, apps *loader.Apps) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tENTRY\tSEGMENTS")
	for _, name := range apps.Names() {
		image, _ := apps.Lookup(name)
		img, err := loader.Parse(image)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%#x\t%d\n", name, len(image), img.Entry, len(img.Segments))
	}
	return tw.Flush()
}

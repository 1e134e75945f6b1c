package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"

	"rvgopher/kernel/config"
	"rvgopher/kernel/kmain"
	"rvgopher/kernel/loader"
	"rvgopher/user"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	configPath string
	logLevel   string
	initProc   string
	scheduler  string
	appDir     string
	frames     uint64
	noBuiltins bool
	noColor    bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string { return "boot the kernel and run applications to completion" }

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] [name=]image.elf ... - boot the kernel and run every application.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "TOML configuration file")
	f.StringVar(&r.logLevel, "log", "", "kernel log level (off, error, warn, info, debug, trace)")
	f.StringVar(&r.initProc, "init", "", "application that adopts orphans; \""+user.InitName+"\" starts every other application")
	f.StringVar(&r.scheduler, "scheduler", "", "scheduler (fifo or cyclic)")
	f.StringVar(&r.appDir, "app-dir", "", "directory of *.elf applications")
	f.Uint64Var(&r.frames, "frames", 0, "number of physical frames")
	f.BoolVar(&r.noBuiltins, "no-builtins", false, "do not register the built-in programs")
	f.BoolVar(&r.noColor, "no-color", false, "disable colored log output")
}

// config returns the configuration file, or the defaults, with the flags
// applied on a copy.
func (r *runCmd) config() (*config.Config, error) {
	base := config.Default()
	if r.configPath != "" {
		var err error
		if base, err = config.Load(r.configPath); err != nil {
			return nil, err
		}
	}

	cfg := base.Clone()
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	if r.initProc != "" {
		cfg.InitProc = r.initProc
	}
	if r.scheduler != "" {
		cfg.Scheduler = r.scheduler
	}
	if r.appDir != "" {
		cfg.AppDir = r.appDir
	}
	if r.frames != 0 {
		cfg.MemoryFrames = r.frames
	}
	if r.noColor {
		cfg.Colors = false
	}
	return cfg, nil
}

// loadApps builds the application table from the built-in programs, the
// configuration and the command line arguments.
func (r *runCmd) loadApps(ctx context.Context, cfg *config.Config, args []string) (*loader.Apps, error) {
	apps := loader.NewApps()
	if !r.noBuiltins {
		if err := user.Register(apps); err != nil {
			return nil, err
		}
	}

	files := make(map[string]string, len(cfg.Apps)+len(args))
	for _, app := range cfg.Apps {
		files[app.Name] = app.Path
	}
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok {
			path = arg
			name = strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
		}
		files[name] = path
	}
	if err := apps.LoadFiles(ctx, files); err != nil {
		return nil, err
	}

	if cfg.AppDir != "" {
		if err := apps.LoadDir(ctx, cfg.AppDir); err != nil {
			return nil, err
		}
	}

	if cfg.InitProc == user.InitName {
		if _, exists := apps.Lookup(user.InitName); !exists {
			if err := user.RegisterInit(apps); err != nil {
				return nil, err
			}
		}
	}
	return apps, nil
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := r.config()
	if err != nil {
		return fatalf("%v", err)
	}

	apps, err := r.loadApps(ctx, cfg, f.Args())
	if err != nil {
		return fatalf("%v", err)
	}

	sys, kerr := kmain.Boot(cfg, apps, os.Stdout)
	if kerr != nil {
		return fatalf("boot: %s", kerr)
	}
	if kerr = sys.Run(); kerr != nil {
		return fatalf("kernel halted: %s", kerr)
	}

	if _, failure := sys.Platform().Status(); failure {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

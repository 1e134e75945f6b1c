// Package config holds the boot configuration of the kernel.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"rvgopher/kernel"
	"rvgopher/kernel/mem"
)

// Scheduler names.
const (
	SchedulerFIFO   = "fifo"
	SchedulerCyclic = "cyclic"
)

var (
	// ErrUnknownKey is returned when a configuration file sets a key that
	// no field consumes.
	ErrUnknownKey = &kernel.Error{Module: "config", Message: "unknown configuration key"}

	// ErrNoMemory is returned when memory_frames is zero.
	ErrNoMemory = &kernel.Error{Module: "config", Message: "memory_frames must be positive"}

	// ErrBadClock is returned when the clock cannot measure milliseconds or
	// deliver the requested tick rate.
	ErrBadClock = &kernel.Error{Module: "config", Message: "clock_freq must be at least 1000 and at least ticks_per_sec"}

	// ErrBadStackSize is returned for stack sizes that are zero or not a
	// multiple of the page size.
	ErrBadStackSize = &kernel.Error{Module: "config", Message: "stack sizes must be positive multiples of the page size"}

	// ErrBadLogLevel is returned for unknown log levels.
	ErrBadLogLevel = &kernel.Error{Module: "config", Message: "log_level must be one of off, error, warn, info, debug or trace"}

	// ErrBadScheduler is returned for unknown scheduler names or a cyclic
	// scheduler without slots.
	ErrBadScheduler = &kernel.Error{Module: "config", Message: "scheduler must be fifo or cyclic with max_tasks > 0"}
)

// App names a program image on the host file system.
type App struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// Config describes the machine the kernel boots on and the programs it
// runs.
type Config struct {
	// MemoryFrames is the number of 4 KiB frames of RAM.
	MemoryFrames uint64 `toml:"memory_frames"`

	// ClockFreq is the frequency of the time counter in Hz and
	// TicksPerSec the number of time slices per second.
	ClockFreq   uint64 `toml:"clock_freq"`
	TicksPerSec uint64 `toml:"ticks_per_sec"`

	UserStackSize   uint64 `toml:"user_stack_size"`
	KernelStackSize uint64 `toml:"kernel_stack_size"`

	LogLevel string `toml:"log_level"`
	Colors   bool   `toml:"colors"`

	// InitProc names the application that adopts orphans. When empty,
	// every application is started directly.
	InitProc string `toml:"init_proc"`

	// Apps lists images to load in addition to the built-in programs and
	// those found in AppDir.
	Apps   []App  `toml:"apps"`
	AppDir string `toml:"app_dir"`

	Scheduler string `toml:"scheduler"`

	// MaxTasks is the number of slots of the cyclic scheduler.
	MaxTasks int `toml:"max_tasks"`
}

// Default returns the configuration of a qemu-like board.
func Default() *Config {
	return &Config{
		MemoryFrames:    (8 * mem.Mb).Pages(),
		ClockFreq:       12500000,
		TicksPerSec:     100,
		UserStackSize:   uint64(8 * mem.Kb),
		KernelStackSize: uint64(8 * mem.Kb),
		LogLevel:        "off",
		Colors:          true,
		Scheduler:       SchedulerFIFO,
		MaxTasks:        16,
	}
}

// Load reads the TOML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if err = checkUndecoded(md); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text on top of the defaults.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, err
	}
	if err = checkUndecoded(md); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(names, ", "))
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks that the configuration describes a bootable machine.
func (c *Config) Validate() *kernel.Error {
	if c.MemoryFrames == 0 {
		return ErrNoMemory
	}
	if c.ClockFreq < 1000 || c.TicksPerSec == 0 || c.ClockFreq < c.TicksPerSec {
		return ErrBadClock
	}
	for _, size := range []uint64{c.UserStackSize, c.KernelStackSize} {
		if size == 0 || size%uint64(mem.PageSize) != 0 {
			return ErrBadStackSize
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "off", "error", "warn", "info", "debug", "trace":
	default:
		return ErrBadLogLevel
	}

	switch c.Scheduler {
	case SchedulerFIFO:
	case SchedulerCyclic:
		if c.MaxTasks <= 0 {
			return ErrBadScheduler
		}
	default:
		return ErrBadScheduler
	}
	return nil
}

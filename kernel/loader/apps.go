package loader

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"rvgopher/kernel"
)

var (
	// ErrDuplicateApp is returned when two applications share a name.
	ErrDuplicateApp = &kernel.Error{Module: "loader", Message: "duplicate application name"}
)

// AppError describes an application that could not be loaded.
type AppError struct {
	Name string
	Path string
	Err  error
}

func (e *AppError) Error() string {
	return "load " + e.Name + " (" + e.Path + "): " + e.Err.Error()
}

func (e *AppError) Unwrap() error { return e.Err }

// Apps is the table of application images, in registration order.
type Apps struct {
	mu     sync.RWMutex
	names  []string
	images map[string][]byte
}

// NewApps returns an empty application table.
func NewApps() *Apps {
	return &Apps{images: make(map[string][]byte)}
}

// Add registers an image under name after checking that it parses.
func (a *Apps) Add(name string, image []byte) *kernel.Error {
	if _, err := Parse(image); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.images[name]; exists {
		return ErrDuplicateApp
	}
	a.names = append(a.names, name)
	a.images[name] = image
	return nil
}

// Lookup returns the image registered under name.
func (a *Apps) Lookup(name string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	image, ok := a.images[name]
	return image, ok
}

// Names returns the registered names in registration order.
func (a *Apps) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return append([]string(nil), a.names...)
}

// Len returns the number of registered applications.
func (a *Apps) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.names)
}

// LoadFiles reads the images listed in files (name -> path) concurrently and
// registers them sorted by name.
func (a *Apps) LoadFiles(ctx context.Context, files map[string]string) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	images := make([][]byte, len(names))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name, path := i, name, files[name]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return &AppError{Name: name, Path: path, Err: err}
			}
			if _, kerr := Parse(data); kerr != nil {
				return &AppError{Name: name, Path: path, Err: kerr}
			}
			images[i] = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, name := range names {
		if err := a.Add(name, images[i]); err != nil {
			return &AppError{Name: name, Path: files[name], Err: err}
		}
	}
	return nil
}

// LoadDir registers every "*.elf" file in dir, named after the file without
// its extension.
func (a *Apps) LoadDir(ctx context.Context, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.elf"))
	if err != nil {
		return err
	}

	files := make(map[string]string, len(matches))
	for _, path := range matches {
		files[strings.TrimSuffix(filepath.Base(path), ".elf")] = path
	}
	return a.LoadFiles(ctx, files)
}

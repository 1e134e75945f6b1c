package user

import (
	"testing"

	"rvgopher/kernel/loader"
)

func TestBuiltinsParse(t *testing.T) {
	seen := make(map[string]bool)
	for _, app := range Builtins() {
		if seen[app.Name] {
			t.Fatalf("duplicate builtin %q", app.Name)
		}
		seen[app.Name] = true

		img, err := loader.Parse(app.Image)
		if err != nil {
			t.Fatalf("[%s] expected a valid image; got %v", app.Name, err)
		}
		if img.Entry != TextBase || len(img.Segments) != 1 {
			t.Fatalf("[%s] expected one segment entered at %#x; got entry %#x with %d segments", app.Name, TextBase, img.Entry, len(img.Segments))
		}
	}
}

func TestOtherPrograms(t *testing.T) {
	specs := []struct {
		name  string
		image []byte
	}{
		{"spin", Spin('x', 10)},
		{"badstore", BadStore()},
		{"illegal", Illegal()},
		{"init without children", InitProc()},
		{"init", InitProc("a", "b", "c")},
	}

	for _, spec := range specs {
		if _, err := loader.Parse(spec.image); err != nil {
			t.Errorf("[%s] expected a valid image; got %v", spec.name, err)
		}
	}
}

func TestRegister(t *testing.T) {
	apps := loader.NewApps()
	if err := Register(apps); err != nil {
		t.Fatal(err)
	}
	if err := RegisterInit(apps); err != nil {
		t.Fatal(err)
	}

	names := apps.Names()
	if exp := len(Builtins()) + 1; len(names) != exp {
		t.Fatalf("expected %d apps; got %d", exp, len(names))
	}
	if names[len(names)-1] != InitName {
		t.Fatalf("expected %q to be registered last; got %q", InitName, names[len(names)-1])
	}

	if err := Register(apps); err != loader.ErrDuplicateApp {
		t.Fatalf("expected ErrDuplicateApp; got %v", err)
	}
}

package loader

import (
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvgopher/kernel"
	"rvgopher/kernel/mem"
)

func testImage() *Image {
	return &Image{
		Entry: 0x10000,
		Segments: []Segment{
			{Vaddr: 0x10000, Memsz: 8, Flags: elf.PF_R | elf.PF_X, Data: []byte{0x13, 0, 0, 0, 0x73, 0, 0, 0}},
			{Vaddr: 0x11000, Memsz: 0x2000, Flags: elf.PF_R | elf.PF_W, Data: []byte("hello")},
		},
	}
}

func TestBuildParse(t *testing.T) {
	img := testImage()

	got, err := Parse(Build(img))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(img, got); diff != "" {
		t.Fatalf("parsed image mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	valid := Build(testImage())

	wrongMachine := append([]byte(nil), valid...)
	// e_machine lives at offset 18.
	wrongMachine[18] = byte(elf.EM_X86_64)

	specs := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not an elf file at all, definitely not")},
		{"wrong machine", wrongMachine},
		{"truncated", valid[:len(valid)-3]},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if _, err := Parse(spec.input); err == nil {
				t.Fatal("expected Parse to fail")
			}
		})
	}
}

func TestParseSegmentBounds(t *testing.T) {
	userEnd := mem.UserSpaceEnd

	specs := []struct {
		name   string
		vaddr  uint64
		memsz  uint64
		expErr *kernel.Error
	}{
		{"fits below the user end", userEnd - 0x1000, 0x1000, nil},
		{"runs past the user end", userEnd - 0x1000, 0x2000, ErrBadSegment},
		{"wraps around", 0xfffffffffffff000, 0x2000, ErrBadSegment},
		{"upper half", 0xffffffffffffe000, 0x1000, ErrBadSegment},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			image := Build(&Image{
				Entry:    spec.vaddr,
				Segments: []Segment{{Vaddr: spec.vaddr, Memsz: spec.memsz, Flags: elf.PF_R}},
			})
			if _, err := Parse(image); err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}
}

func TestApps(t *testing.T) {
	apps := NewApps()
	image := Build(testImage())

	for _, name := range []string{"b", "a"} {
		if err := apps.Add(name, image); err != nil {
			t.Fatal(err)
		}
	}

	if err := apps.Add("a", image); err != ErrDuplicateApp {
		t.Fatalf("expected ErrDuplicateApp; got %v", err)
	}
	if err := apps.Add("bad", []byte("junk")); err != ErrBadImage {
		t.Fatalf("expected ErrBadImage; got %v", err)
	}

	if diff := cmp.Diff([]string{"b", "a"}, apps.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if _, ok := apps.Lookup("a"); !ok {
		t.Fatal("expected to find app a")
	}
	if _, ok := apps.Lookup("missing"); ok {
		t.Fatal("did not expect to find app missing")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	image := Build(testImage())

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := os.WriteFile(filepath.Join(dir, name+".elf"), image, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}

	apps := NewApps()
	if err := apps.LoadDir(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, apps.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}

	t.Run("bad image", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "broken.elf"), []byte("junk"), 0o644); err != nil {
			t.Fatal(err)
		}

		err := NewApps().LoadDir(context.Background(), dir)
		var appErr *AppError
		if !errors.As(err, &appErr) || appErr.Name != "broken" {
			t.Fatalf("expected an AppError for broken; got %v", err)
		}
	})
}

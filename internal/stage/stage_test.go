package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sandialabs/canary/internal/whenexpr"
)

func TestMaterializeCopiesAndLinks(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "input.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(srcDir, "data")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}

	workdir := filepath.Join(t.TempDir(), "work")
	entries := []Entry{
		{Src: filepath.Join(srcDir, "input.txt")},
		{Src: sub, Dst: "data-copy"},
		{Src: filepath.Join(srcDir, "input.txt"), Dst: "input-link", Link: true},
	}
	if err := Materialize(workdir, entries, &whenexpr.Env{}); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(workdir, "input.txt"))
	if err != nil || string(got) != "hello" {
		t.Errorf("copied input.txt = %q, %v, want %q", got, err, "hello")
	}
	got, err = os.ReadFile(filepath.Join(workdir, "data-copy", "nested.txt"))
	if err != nil || string(got) != "world" {
		t.Errorf("copied nested file = %q, %v, want %q", got, err, "world")
	}
	if fi, err := os.Lstat(filepath.Join(workdir, "input-link")); err != nil || fi.Mode()&os.ModeSymlink == 0 {
		t.Errorf("input-link is not a symlink: %v, %v", fi, err)
	}
}

func TestMaterializeSkipsWhenGuardFalse(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "only-linux.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	workdir := filepath.Join(t.TempDir(), "work")
	entries := []Entry{
		{Src: filepath.Join(srcDir, "only-linux.txt"), When: "platforms.windows"},
	}
	env := &whenexpr.Env{Platforms: map[string]bool{"windows": false, "linux": true}}
	if err := Materialize(workdir, entries, env); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workdir, "only-linux.txt")); !os.IsNotExist(err) {
		t.Error("guarded entry was materialized despite a false when guard")
	}
}

func TestMaterializeRenameOverridesDst(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "orig.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	workdir := filepath.Join(t.TempDir(), "work")
	entries := []Entry{{Src: filepath.Join(srcDir, "orig.txt"), Dst: "ignored", Rename: "renamed.txt"}}
	if err := Materialize(workdir, entries, &whenexpr.Env{}); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workdir, "renamed.txt")); err != nil {
		t.Errorf("Rename did not take priority over Dst: %v", err)
	}
}

func TestMaterializeMissingSourceErrors(t *testing.T) {
	workdir := filepath.Join(t.TempDir(), "work")
	entries := []Entry{{Src: "/no/such/path"}}
	if err := Materialize(workdir, entries, &whenexpr.Env{}); err == nil {
		t.Error("Materialize() with missing source = nil error, want error")
	}
}

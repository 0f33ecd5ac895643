// Package stage implements the workspace-staging collaborator referenced
// by spec §4.7's Populate phase: creating each case's working directory
// and materializing its copy/link entries, gated by `when` guards
// evaluated against the case's parameters (spec §6).
//
// Grounded on the teacher's internal/build cp/cpscan file-tree copy
// routines (read before internal/build was deleted as squashfs-specific):
// the same recursive directory-walk-and-copy shape, with the squashfs
// writer target replaced by a plain destination directory since a case
// needs a mutable scratch directory, not a read-only merged image.
package stage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/sandialabs/canary/internal/whenexpr"
)

// Entry is one `copy`/`link` directive (spec §6).
type Entry struct {
	Src    string
	Dst    string // defaults to filepath.Base(Src) if empty
	Link   bool   // true for `link(...)`, false for `copy(...)`
	Rename string
	When   string // when-predicate expression; empty means unconditional
}

// Materialize creates workdir and applies every Entry whose When guard
// evaluates true against env (spec §4.7 Populate, §6 `when` guards).
// A missing copy source is a staging error that marks the owning case
// Fail without aborting the session (spec §7).
func Materialize(workdir string, entries []Entry, env *whenexpr.Env) error {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return fmt.Errorf("stage: mkdir %s: %w", workdir, err)
	}
	for _, e := range entries {
		if e.When != "" {
			expr, err := whenexpr.Parse(e.When)
			if err != nil {
				return fmt.Errorf("stage: parsing when guard %q: %w", e.When, err)
			}
			if !expr.Eval(env) {
				continue
			}
		}
		dstName := e.Dst
		if e.Rename != "" {
			dstName = e.Rename
		}
		if dstName == "" {
			dstName = filepath.Base(e.Src)
		}
		dst := filepath.Join(workdir, dstName)
		if e.Link {
			if err := os.Symlink(e.Src, dst); err != nil {
				return fmt.Errorf("stage: link %s -> %s: %w", e.Src, dst, err)
			}
			continue
		}
		if err := copyTree(e.Src, dst); err != nil {
			return fmt.Errorf("stage: copy %s -> %s: %w", e.Src, dst, err)
		}
	}
	return nil
}

// copyTree recursively copies src (file or directory) to dst, matching
// the teacher's cp/cpscan recursive-walk shape.
func copyTree(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst, fi.Mode())
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	// renameio gives an atomic, crash-safe write — the same idiom the
	// teacher reaches for writing build.textproto/meta files, applied here
	// to a single staged file instead of package metadata.
	return renameio.WriteFile(dst, content, mode)
}

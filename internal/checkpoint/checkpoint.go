// Package checkpoint implements resume support for `canary resume` and
// `--until PHASE` (spec §4.7 "Each phase's output is checkpointed to a
// session directory so --until=PHASE and re-entrant run on an existing
// session are well-defined").
//
// Grounded on the teacher's internal/batch.Ctx.Build input-digest skip
// check ("if !rebuild && meta.GetInputDigest() == inputDigest { continue
// // package already built }"): canary compares a digest of each case's
// resolved spec the same way, skipping cases whose spec is unchanged and
// whose prior run already reached a terminal status.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/sandialabs/canary"
)

// CaseRecord is the persisted runtime view of one case, written to
// `<relpath>/<case-name>/testcase.lock` (spec §6 Persistent layout).
type CaseRecord struct {
	Key         string            `json:"key"`
	SpecDigest  string            `json:"spec_digest"`
	Parameters  map[string]string `json:"parameters"`
	Status      string            `json:"status"`
	ExitCode    int               `json:"exit_code"`
	Retries     int               `json:"retries"`
	BatchID     string            `json:"batch_id,omitempty"`
	NotRunWhy   string            `json:"not_run_reason,omitempty"`
}

// Digest returns a stable hash of a case's resolved spec (family,
// parameters, resources, command), used to detect whether a checkpointed
// case needs re-resolution on resume.
func Digest(family string, paramOrder []string, params map[string]string, command []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "family=%s\n", family)
	for _, name := range paramOrder {
		fmt.Fprintf(h, "%s=%s\n", name, params[name])
	}
	for _, c := range command {
		fmt.Fprintf(h, "argv=%s\n", c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LockPath returns the testcase.lock path for a case's working directory.
func LockPath(workdir string) string {
	return filepath.Join(workdir, "testcase.lock")
}

// Write persists rec atomically via renameio, matching the teacher's own
// pattern for writing .meta.textproto files.
func Write(workdir string, rec CaseRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(LockPath(workdir), b, 0644)
}

// Read loads a previously-written CaseRecord, returning os.IsNotExist(err)
// == true when the case has never been run.
func Read(workdir string) (CaseRecord, error) {
	var rec CaseRecord
	b, err := os.ReadFile(LockPath(workdir))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Resumable reports whether a prior CaseRecord can be reused as-is:
// its spec digest matches the freshly-resolved one and its prior status
// was terminal (spec §8 "Re-running a completed session with no input
// changes produces zero new work").
func Resumable(rec CaseRecord, digest string) bool {
	if rec.SpecDigest != digest {
		return false
	}
	s := statusFromString(rec.Status)
	return s.Terminal()
}

// StatusFromString parses the string form CaseRecord.Status stores back
// into a canary.Status, for callers (e.g. the batched run path) that read
// a checkpoint written by a different process.
func StatusFromString(s string) canary.Status {
	return statusFromString(s)
}

func statusFromString(s string) canary.Status {
	switch s {
	case "pass":
		return canary.StatusPass
	case "diff":
		return canary.StatusDiff
	case "fail":
		return canary.StatusFail
	case "skip":
		return canary.StatusSkip
	case "timeout":
		return canary.StatusTimeout
	case "xpass":
		return canary.StatusXPass
	case "xfail":
		return canary.StatusXFail
	case "notrun":
		return canary.StatusNotRun
	default:
		return canary.StatusPending
	}
}

// Package canarytest is a subprocess-based integration test harness for
// end-to-end session tests: it builds (conceptually — go test callers
// supply the binary path, since this package never invokes `go build`
// itself) and shells out to a `canary` binary against a scratch directory
// of test files, then inspects the resulting session directory.
//
// Grounded on the teacher's internal/distritest.Export, which does the
// same for distri's own integration suite: build a binary once, run it
// against fixture input, assert on its output.
package canarytest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandialabs/canary/internal/checkpoint"
)

// Session runs a built canary binary against root and returns its session
// directory plus captured stdout/stderr, for assertions in table-driven
// integration tests.
type Session struct {
	Dir    string
	Stdout string
	Stderr string
	Err    error
}

// Run invokes `<binaryPath> run -d <scratch> <args...> root` with a
// bounded timeout, suitable for `go test` callers that built the binary
// via `go build -o <binaryPath> ./cmd/canary` in TestMain.
func Run(t *testing.T, binaryPath, root string, args ...string) Session {
	t.Helper()
	scratch := t.TempDir()
	fullArgs := append([]string{"run", "-d", scratch}, args...)
	fullArgs = append(fullArgs, root)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, binaryPath, fullArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	return Session{Dir: scratch, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

// CaseStatus reads back the terminal status recorded for the case with
// the given working-directory-relative path (family + relpath under the
// session dir), for assertions on a Session's outcome.
func (s Session) CaseStatus(relCaseDir string) (string, error) {
	rec, err := checkpoint.Read(filepath.Join(s.Dir, relCaseDir))
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// FrozenConfig reads back `.canary/config` written by Freeze.
func (s Session) FrozenConfig() (map[string]interface{}, error) {
	b, err := os.ReadFile(filepath.Join(s.Dir, ".canary", "config"))
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("canarytest: %w", err)
	}
	return out, nil
}

// Package schedriver implements the Scheduler Driver (component I): the
// interface with variants {shell, slurm, pbs, flux} that submits batches,
// polls their state, and fetches per-case results (spec §4.9).
//
// The shell variant is grounded directly on the teacher's
// internal/batch/batch.go scheduler worker pool (local subprocess
// execution under a bounded goroutine pool). The slurm variant is
// grounded on the pack's jontk-slurm-client example files
// (github.com/jontk/slurm-client/api Job/JobCreate types). pbs and flux
// have no Go client in the retrieval pack, so they shell out
// (qsub/qstat, flux run/flux jobs) rather than fabricate a client
// library — see DESIGN.md.
package schedriver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sandialabs/canary"
)

// Handle identifies one submitted batch with the backing scheduler.
type Handle struct {
	ID      string
	Backend string
}

// PollState is the coarse state Poll reports (spec §4.9 Poll()).
type PollState int

const (
	Queued PollState = iota
	Running
	Done
)

// CaseResult is one case's outcome as reported by FetchArtifacts (spec
// §4.9 FetchArtifacts()).
type CaseResult struct {
	CaseKey  string
	Status   canary.Status
	ExitCode int
}

// Driver is the scheduler driver interface (spec §4.9).
type Driver interface {
	// Submit writes a submission script invoking the local executor on
	// the batch's cases (with an inner ready queue restricted to it) and
	// hands it to the backend, returning a Handle.
	Submit(ctx context.Context, script string, cpus, gpus, nodes int) (Handle, error)
	Poll(ctx context.Context, h Handle) (PollState, error)
	Cancel(ctx context.Context, h Handle) error
	FetchArtifacts(ctx context.Context, h Handle) ([]CaseResult, error)
}

// New constructs the Driver named by backend ("shell", "slurm", "pbs",
// "flux"), per spec §6's `-b scheduler=...` directive.
func New(backend string, opts Options) (Driver, error) {
	switch backend {
	case "", "shell":
		return &ShellDriver{Opts: opts}, nil
	case "slurm":
		return NewSlurmDriver(opts)
	case "pbs":
		return &ShellOutDriver{Opts: opts, Submit: "qsub", Poll: "qstat"}, nil
	case "flux":
		return &ShellOutDriver{Opts: opts, Submit: "flux run", Poll: "flux jobs"}, nil
	default:
		return nil, fmt.Errorf("schedriver: unknown scheduler backend %q", backend)
	}
}

// Options carries the ambient configuration every backend needs: the
// session root (for submission scripts and artifact paths) and a uuid
// generator seam for deterministic testing.
type Options struct {
	SessionRoot string
	NewID       func() string
}

func (o Options) genID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

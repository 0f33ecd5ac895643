// Package status implements the Status/Retry/Gating layer (component J):
// classifying outcomes and applying retries with exponential backoff to
// transient conditions (spec §4.10).
//
// Grounded on AMD-AGI-Primus-SaFE's retry idiom, which reaches for
// github.com/cenkalti/backoff/v4 for exactly this shape of problem
// (bounded retries with exponential backoff); tuned here to the base-2s
// cap-60s constants spec §4.10 names.
package status

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/tcase"
)

// Classifier decides whether a just-finished case's raw condition counts
// as transient (broken pipe on submit, ENOSPC during log write,
// scheduler-reported requeue per spec §4.10) and therefore eligible for
// retry.
type Classifier interface {
	Transient(c *tcase.Case, status canary.Status, err error) bool
}

// Policy applies a fixed retry_limit with exponential backoff (base 2s,
// cap 60s) to transient outcomes (spec §4.10).
type Policy struct {
	RetryLimit int
	Classifier Classifier
}

// NewBackOff returns the exponential backoff schedule spec §4.10 names:
// base 2s, cap 60s, unbounded elapsed time (the retry_limit itself bounds
// attempts, not elapsed wall time).
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // retry_limit governs attempt count, not elapsed time
	return b
}

// ShouldRetry reports whether c's just-finished status should instead
// trigger another attempt, and if so the backoff duration to wait before
// resubmission. err, if non-nil, is the underlying condition that
// produced status (used by the Classifier to tell transient failures from
// genuine terminal ones).
func (p *Policy) ShouldRetry(c *tcase.Case, status canary.Status, err error, bo backoff.BackOff) (wait time.Duration, retry bool) {
	if !status.Failing() {
		return 0, false
	}
	if p.Classifier == nil || !p.Classifier.Transient(c, status, err) {
		return 0, false
	}
	if c.Retries() >= p.RetryLimit {
		return 0, false
	}
	c.IncRetry()
	return bo.NextBackOff(), true
}

// Apply is a queue.StatusFunc-compatible hook that returns s unchanged.
// Dependency gating does not happen here: a case whose dependency already
// violated its predicate is handled by tcase.Case.ViolatedBy in the
// dispatcher.
func Apply(c *tcase.Case, s canary.Status) canary.Status {
	return s
}

// Package executor implements the Executor (component F): launching a
// case as a subprocess in its staging directory, enforcing its timeout,
// and mapping the raw exit code to a terminal status (spec §4.6).
//
// Grounded on the subprocess-execution idiom read from the teacher's
// internal/build package before it was deleted as squashfs/chroot-specific
// (exec.CommandContext, SysProcAttr, log-to-file) and on
// golang.org/x/sys/unix for process-group signaling, one of the teacher's
// own direct imports, used here for Setpgid plus graceful-then-forced
// termination via unix.Kill(-pgid, …).
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/resourcepool"
	"github.com/sandialabs/canary/internal/tcase"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const gracePeriod = 10 * time.Second

// Local runs cases as local subprocesses (spec §4.6); it implements
// queue.Runner.
type Local struct {
	SessionRoot string
	Log         *zap.SugaredLogger
}

// Run launches c's command in its working directory, enforces c.Timeout,
// and returns the resulting terminal status (spec §4.6 steps 1-6).
func (l *Local) Run(ctx context.Context, c *tcase.Case, tok resourcepool.Token) canary.Status {
	workdir := filepath.Join(l.SessionRoot, c.RelPath, c.WorkDirName())
	if err := os.MkdirAll(workdir, 0755); err != nil {
		if l.Log != nil {
			l.Log.Errorw("mkdir working directory", "case", c.Key(), "err", err)
		}
		return canary.StatusFail
	}

	logPath := filepath.Join(workdir, "canary-out.txt")
	logFile, err := os.Create(logPath) // truncates prior content (spec §4.6 step 1)
	if err != nil {
		if l.Log != nil {
			l.Log.Errorw("open case log", "case", c.Key(), "err", err)
		}
		return canary.StatusFail
	}
	defer logFile.Close()
	c.SetLogPath(logPath)

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, c.Timeout)
		defer cancelTimeout()
	}

	args := c.Command
	if len(args) == 0 {
		args = []string{"true"}
	}
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = workdir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = buildEnv(c, tok, workdir, l.SessionRoot)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		c.SetExit(-1, start, time.Now())
		return canary.StatusFail
	}

	waitErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		waitErr <- cmd.Wait()
		close(done)
	}()

	var exitErr error
	var timedOut, cancelled bool
	select {
	case exitErr = <-waitErr:
	case <-runCtx.Done():
		timedOut = c.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded
		cancelled = ctx.Err() != nil
		l.terminate(cmd, done)
		exitErr = <-waitErr
	}
	stop := time.Now()

	code := exitCode(cmd, exitErr)
	c.SetExit(code, start, stop)

	status := classify(code, timedOut, cancelled)
	return applyInversions(c, status, code)
}

// terminate sends SIGTERM to the case's process group, then after
// gracePeriod force-kills it with SIGKILL (spec §4.6 step 4). It never
// receives from waitErr itself — the caller's select at the Run call site
// is the sole receiver of that channel, since a buffered channel only
// ever gets one send from cmd.Wait.
func (l *Local) terminate(cmd *exec.Cmd, done <-chan struct{}) {
	pgid := cmd.Process.Pid
	unix.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(gracePeriod):
		unix.Kill(-pgid, syscall.SIGKILL)
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -int(ws.Signal())
			}
			return ws.ExitStatus()
		}
	}
	return -1
}

// classify maps the raw exit code to a terminal status per spec §4.6
// step 5's table.
func classify(code int, timedOut, cancelled bool) canary.Status {
	switch {
	case cancelled:
		return canary.StatusNotRun
	case timedOut:
		return canary.StatusTimeout
	case code == 0:
		return canary.StatusPass
	case code == 63:
		return canary.StatusSkip
	case code == 64:
		return canary.StatusDiff
	default:
		return canary.StatusFail
	}
}

// applyInversions swaps Pass/Fail into XPass/XFail when xfail is set
// (optionally requiring an exact exit code per the spec's "exact code"
// reading of the xfail(code=C) open question), and Diff into XFail when
// xdiff is set (spec §4.6 step 6).
func applyInversions(c *tcase.Case, status canary.Status, code int) canary.Status {
	if c.XFail {
		if c.XFailCode != 0 && code != c.XFailCode {
			return status // exact-code mismatch: inversion does not apply
		}
		switch status {
		case canary.StatusPass:
			return canary.StatusXPass
		case canary.StatusFail:
			return canary.StatusXFail
		}
	}
	if c.XDiff && status == canary.StatusDiff {
		return canary.StatusXFail
	}
	return status
}

// buildEnv constructs the case's environment: parameter values, working
// directory, resource assignment, session root, stage name (spec §4.6
// step 2).
func buildEnv(c *tcase.Case, tok resourcepool.Token, workdir, sessionRoot string) []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	for name, value := range c.Parameters {
		env = append(env, "CANARY_PARAM_"+name+"="+value)
	}
	env = append(env,
		"CANARY_CASE="+c.Key(),
		"CANARY_WORKDIR="+workdir,
		"CANARY_SESSION_ROOT="+sessionRoot,
		fmt.Sprintf("CANARY_CPUS=%d", c.Resources.CPUs),
		fmt.Sprintf("CANARY_GPUS=%d", c.Resources.GPUs),
		fmt.Sprintf("CANARY_NODES=%d", c.Resources.Nodes),
	)
	return env
}

package main

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-bus-echo/internal/exchange"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

const (
	restartExec = "exec"
	restartExit = "exit"

	// exitRestart tells a supervisor the process asked to be restarted.
	exitRestart = 3
)

// Hooks for tests.
var (
	exitFn       = os.Exit
	executableFn = os.Executable
)

// restarter is the terminal step of the fatal handler: it releases devices
// and then replaces or ends the process.
type restarter struct {
	mode   string
	l      *slog.Logger
	mu     sync.Mutex
	before []func()
}

func newRestarter(mode string, l *slog.Logger) *restarter {
	return &restarter{mode: mode, l: l}
}

// onRestart registers fn to run before the process is replaced, in reverse
// registration order.
func (r *restarter) onRestart(fn func()) {
	r.mu.Lock()
	r.before = append(r.before, fn)
	r.mu.Unlock()
}

func (r *restarter) release() {
	r.mu.Lock()
	fns := r.before
	r.before = nil
	r.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (r *restarter) Restart(cause error) {
	role := "unknown"
	var f *exchange.Fault
	if errors.As(cause, &f) {
		role = f.Role
	}
	metrics.IncFatal(role)
	r.release()
	if r.mode == restartExec {
		exe, err := executableFn()
		if err == nil {
			r.l.Warn("restart_exec", "cause", cause, "exe", exe)
			err = execFn(exe, os.Args, os.Environ())
		}
		// Only reached when exec failed.
		r.l.Error("restart_exec_failed", "error", err)
	}
	r.l.Warn("restart_exit", "cause", cause, "status", exitRestart)
	exitFn(exitRestart)
}

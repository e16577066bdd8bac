package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// scriptedRole returns queued results from Exchange.
type scriptedRole struct {
	results []error
	calls   int
}

func (s *scriptedRole) Name() string { return "scripted" }

func (s *scriptedRole) Exchange(ctx context.Context) error {
	s.calls++
	if len(s.results) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func TestRunLoopsUntilFault(t *testing.T) {
	cause := errors.New("boom")
	role := &scriptedRole{results: []error{nil, nil, &Fault{Role: "scripted", State: Sending, Err: cause}}}
	lines := &lineRecorder{}
	rs := &restartRecorder{}

	err := Run(context.Background(), role, lines, rs)
	if !errors.Is(err, cause) {
		t.Fatalf("expected fault cause, got %v", err)
	}
	if role.calls != 3 {
		t.Fatalf("expected 3 iterations, got %d", role.calls)
	}
	if rs.count() != 1 {
		t.Fatalf("expected one restart, got %d", rs.count())
	}
	got := lines.snapshot()
	if len(got) != 1 || !strings.HasSuffix(got[0], "... reset.") {
		t.Fatalf("unexpected fatal line %v", got)
	}
}

func TestRunReturnsContextErrorWithoutRestart(t *testing.T) {
	role := &scriptedRole{results: []error{nil}}
	rs := &restartRecorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Run(ctx, role, &lineRecorder{}, rs)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if rs.count() != 0 {
		t.Fatalf("restart must not run on shutdown")
	}
}

func TestRestartFunc(t *testing.T) {
	var got error
	rs := RestartFunc(func(err error) { got = err })
	f := &Fault{Role: RoleController, State: Verifying, Err: ErrMismatch}
	rs.Restart(f)
	if got != f {
		t.Fatalf("RestartFunc did not forward the cause")
	}
	if want := "controller fault while verifying: reply differs from payload"; f.Error() != want {
		t.Fatalf("Error() = %q, want %q", f.Error(), want)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
	start := time.Now()
	if err := Sleep(context.Background(), 5*time.Millisecond); err != nil || time.Since(start) < 5*time.Millisecond {
		t.Fatalf("sleep returned early: %v", err)
	}
}

func TestStateString(t *testing.T) {
	if Listening.String() != "listening" || AwaitingReply.String() != "awaiting_reply" {
		t.Fatalf("unexpected state names")
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unexpected fallback %q", State(42).String())
	}
}

// shutdownRole cancels the run context mid-exchange and then fails, the way a
// transport does when its device is closed during shutdown.
type shutdownRole struct{ cancel context.CancelFunc }

func (s *shutdownRole) Name() string { return "shutdown" }

func (s *shutdownRole) Exchange(ctx context.Context) error {
	s.cancel()
	return &Fault{Role: "shutdown", State: Listening, Err: errors.New("serial link closed")}
}

func TestRunFaultDuringShutdownDoesNotRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines := &lineRecorder{}
	rs := &restartRecorder{}

	err := Run(ctx, &shutdownRole{cancel: cancel}, lines, rs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rs.count() != 0 {
		t.Fatalf("shutdown must not restart, got %d restarts", rs.count())
	}
	if got := lines.snapshot(); len(got) != 0 {
		t.Fatalf("no fatal line expected on shutdown, got %v", got)
	}
}

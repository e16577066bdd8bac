package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
)

// step is one scripted transport result.
type step struct {
	data []byte // bytes delivered on receive
	err  error
}

// fakeTransport replays scripted results and records every call.
type fakeTransport struct {
	mu       sync.Mutex
	sends    []step
	receives []step
	sent     [][]byte
	sendTO   []time.Duration
	recvCaps []int
	recvTO   []time.Duration
	rec      bus.Recorder
}

func (f *fakeTransport) Send(addr bus.Address, p []byte, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), p...))
	f.sendTO = append(f.sendTO, timeout)
	if len(f.sends) == 0 {
		return f.rec.Record(nil)
	}
	s := f.sends[0]
	f.sends = f.sends[1:]
	return f.rec.Record(s.err)
}

func (f *fakeTransport) receive(p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvCaps = append(f.recvCaps, len(p))
	f.recvTO = append(f.recvTO, timeout)
	if len(f.receives) == 0 {
		return 0, f.rec.Record(&bus.Error{Op: "receive", Code: bus.Timeout, Err: bus.ErrTimeout})
	}
	s := f.receives[0]
	f.receives = f.receives[1:]
	if s.err != nil {
		return 0, f.rec.Record(s.err)
	}
	return copy(p, s.data), f.rec.Record(nil)
}

func (f *fakeTransport) ReceiveFrom(addr bus.Address, p []byte, timeout time.Duration) (int, error) {
	return f.receive(p, timeout)
}

func (f *fakeTransport) ReceiveAny(p []byte, timeout time.Duration) (int, error) {
	return f.receive(p, timeout)
}

func (f *fakeTransport) LastError() bus.ErrorCode { return f.rec.LastError() }

func nackStep() step { return step{err: &bus.Error{Op: "send", Code: bus.AddressNotAcknowledged, Err: bus.ErrNack}} }

func timeoutStep() step { return step{err: &bus.Error{Op: "send", Code: bus.Timeout, Err: bus.ErrTimeout}} }

func dataStep(s string) step { return step{data: []byte(s)} }

// sleepRecorder captures delays instead of waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// lineRecorder collects diagnostic lines.
type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineRecorder) WriteLine(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *lineRecorder) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// indicatorRecorder collects activity signal changes.
type indicatorRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (i *indicatorRecorder) Set(on bool) {
	i.mu.Lock()
	i.states = append(i.states, on)
	i.mu.Unlock()
}

// restartRecorder counts fatal handler invocations.
type restartRecorder struct {
	mu     sync.Mutex
	causes []error
}

func (r *restartRecorder) Restart(cause error) {
	r.mu.Lock()
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
}

func (r *restartRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.causes)
}

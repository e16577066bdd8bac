package diag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/kstaniek/go-bus-echo/internal/logging"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

// Sink accepts line-oriented status text. Writes are best effort.
type Sink interface {
	WriteLine(text string)
}

// Indicator drives a binary activity signal. Best effort.
type Indicator interface {
	Set(on bool)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(string)

func (f SinkFunc) WriteLine(s string) { f(s) }

// IndicatorFunc adapts a function to Indicator.
type IndicatorFunc func(bool)

func (f IndicatorFunc) Set(on bool) { f(on) }

// Log mirrors diagnostic lines into a structured logger.
type Log struct {
	L     *slog.Logger
	Level slog.Level
}

func (s Log) WriteLine(text string) {
	l := s.L
	if l == nil {
		l = logging.L()
	}
	l.Log(context.Background(), s.Level, "diag", "line", text)
}

// Multi fans a line out to every sink.
type Multi []Sink

func (m Multi) WriteLine(text string) {
	for _, s := range m {
		if s != nil {
			s.WriteLine(text)
		}
	}
}

// MultiIndicator fans a signal out to every indicator.
type MultiIndicator []Indicator

func (m MultiIndicator) Set(on bool) {
	for _, i := range m {
		if i != nil {
			i.Set(on)
		}
	}
}

// ErrQueueOverflow is returned when the console queue is full.
var ErrQueueOverflow = errors.New("diag console overflow")

// Console writes CRLF-terminated lines to w (typically a UART) through an
// asynchronous queue so a slow link never stalls the protocol loop.
type Console struct {
	q *Queue[string]
}

// NewConsole creates a Console with a queue of buf lines.
func NewConsole(parent context.Context, w io.Writer, buf int) *Console {
	write := func(line string) error {
		_, err := io.WriteString(w, line)
		return err
	}
	hooks := Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrConsole)
			logging.L().Warn("console_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncDiagDropped()
			return ErrQueueOverflow
		},
	}
	return &Console{q: NewQueue(parent, buf, write, hooks)}
}

// WriteLine queues text; overflow drops the line.
func (c *Console) WriteLine(text string) {
	_ = c.q.Enqueue(strings.TrimRight(text, "\r\n") + "\r\n")
}

// Close flushes queued lines and stops the writer.
func (c *Console) Close() { c.q.Close() }

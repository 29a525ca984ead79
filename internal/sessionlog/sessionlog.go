// Package sessionlog buffers log records produced by background work for a
// single long-lived session and writes them through the logger of the
// request that owns the session. Records are drained on an interval and
// once more when the session ends.
package sessionlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity selects the level a buffered record is written at.
type Severity string

const (
	SeverityLog   Severity = "log"
	SeverityError Severity = "error"
)

// Record is one buffered log entry.
type Record struct {
	Severity Severity
	Message  string
	Attrs    []slog.Attr
	Time     time.Time
}

// Logger buffers records for one session and writes them on Flush.
type Logger struct {
	ctx context.Context
	out *slog.Logger

	mu      sync.Mutex
	pending []Record

	tickerMu sync.Mutex
	stop     chan struct{}
	stopped  chan struct{}
}

// New returns a Logger that emits through out using ctx, so context-aware
// handlers decorate records as if they came from the owning request.
func New(ctx context.Context, out *slog.Logger) *Logger {
	if out == nil {
		out = slog.Default()
	}
	return &Logger{ctx: context.WithoutCancel(ctx), out: out}
}

// Log buffers an informational record.
func (l *Logger) Log(msg string, attrs ...slog.Attr) {
	l.append(SeverityLog, msg, attrs)
}

// Error buffers an error record.
func (l *Logger) Error(msg string, attrs ...slog.Attr) {
	l.append(SeverityError, msg, attrs)
}

func (l *Logger) append(sev Severity, msg string, attrs []slog.Attr) {
	rec := Record{Severity: sev, Message: msg, Attrs: attrs, Time: time.Now()}
	l.mu.Lock()
	l.pending = append(l.pending, rec)
	l.mu.Unlock()
}

// Pending returns the number of buffered records.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush writes every buffered record in order and empties the buffer.
func (l *Logger) Flush() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, rec := range batch {
		level := slog.LevelInfo
		if rec.Severity == SeverityError {
			level = slog.LevelError
		}
		l.out.LogAttrs(l.ctx, level, rec.Message, rec.Attrs...)
	}
}

// Start flushes on every interval tick until Stop. Calling Start on a
// running logger is a no-op.
func (l *Logger) Start(interval time.Duration) {
	l.tickerMu.Lock()
	defer l.tickerMu.Unlock()
	if l.stop != nil {
		return
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	l.stop, l.stopped = stop, stopped

	go func() {
		defer close(stopped)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				l.Flush()
			}
		}
	}()
}

// Stop halts the interval flush and waits for an in-progress tick. It does
// not flush; callers pair it with a final Flush.
func (l *Logger) Stop() {
	l.tickerMu.Lock()
	stop, stopped := l.stop, l.stopped
	l.stop, l.stopped = nil, nil
	l.tickerMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

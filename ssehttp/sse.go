package ssehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

var errStreamClosed = errors.New("sse stream closed")

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a context.
// It serializes concurrent writes/flushes and refuses writes after ctx is
// canceled or the stream has been closed.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu     sync.Mutex
	ctx    context.Context
	closed bool
}

func (l *lockedWriteFlusher) usable() error {
	if l.closed {
		return errStreamClosed
	}
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	return nil
}

// close makes every later write fail. The underlying ResponseWriter must not
// be touched once the handler returns.
func (l *lockedWriteFlusher) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// WriteEvent writes one complete SSE frame and flushes it.
func (l *lockedWriteFlusher) WriteEvent(event string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	if err := writeSSEEvent(l.Writer, event, data); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usable() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(w io.Writer, event string, payload []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	return nil
}

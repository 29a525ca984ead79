package synthetic

import "sync"

// statusPending is reported until the engine writes a status.
const statusPending = 100

// Capture stands in for an outbound response. It records the first status
// written and the body passed to End.
type Capture struct {
	mu          sync.Mutex
	status      int
	wroteHeader bool
	body        string
	ended       bool
}

// NewCapture returns a sink reporting status 100 and an empty body until
// written.
func NewCapture() *Capture {
	return &Capture{status: statusPending}
}

// WriteHeader records status unless one was already written.
func (c *Capture) WriteHeader(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wroteHeader {
		return
	}
	c.status = status
	c.wroteHeader = true
}

// End records the terminal body, replacing anything recorded before.
func (c *Capture) End(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body = body
	c.ended = true
}

// Status returns the recorded status, or 100 if none was written.
func (c *Capture) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Body returns the body passed to the last End call.
func (c *Capture) Body() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

// Ended reports whether End was called.
func (c *Capture) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Result returns the captured status and body.
func (c *Capture) Result() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.body
}

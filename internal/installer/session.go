package installer

import (
	"sync"
	"time"
)

// sessionBufferCap bounds the in-memory line buffer kept for diagnostics.
const sessionBufferCap = 200

// session tracks one installer run. The first terminal signal wins: once
// resolve is called every later exit marker or stream event is ignored.
type session struct {
	mu         sync.Mutex
	resolvedAt bool
	err        error
	lastOutput time.Time
	buf        []string

	done chan struct{}
}

func newSession() *session {
	return &session{
		lastOutput: time.Now(),
		done:       make(chan struct{}),
	}
}

// touch records output activity for the stall watchdog.
func (s *session) touch() {
	s.mu.Lock()
	s.lastOutput = time.Now()
	s.mu.Unlock()
}

func (s *session) sinceOutput() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastOutput)
}

// buffer keeps the trailing output lines for diagnostics.
func (s *session) buffer(line string) {
	s.mu.Lock()
	if len(s.buf) == sessionBufferCap {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:sessionBufferCap-1]
	}
	s.buf = append(s.buf, line)
	s.mu.Unlock()
}

// tail returns up to n of the most recent buffered lines.
func (s *session) tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) > n {
		return append([]string(nil), s.buf[len(s.buf)-n:]...)
	}
	return append([]string(nil), s.buf...)
}

// resolve records the terminal outcome. Returns true only for the call that
// actually decided the session.
func (s *session) resolve(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolvedAt {
		return false
	}
	s.resolvedAt = true
	s.err = err
	close(s.done)
	return true
}

func (s *session) isResolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedAt
}

// outcome returns the recorded terminal error, nil on success.
func (s *session) outcome() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/metrics"
)

// Supervisor tracks the client stream attached to each session and every
// background relay goroutine, so shutdown can wait for in-flight turns to
// persist.
type Supervisor struct {
	mu     sync.Mutex
	active map[string]*ClientWriter
	wg     sync.WaitGroup
	log    *zap.Logger
}

func NewSupervisor(log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{active: make(map[string]*ClientWriter), log: log}
}

// Attach makes cw the session's client stream. A previous stream on the same
// session is ended with [DONE]; its upstream keeps draining.
func (s *Supervisor) Attach(sessionID string, cw *ClientWriter) {
	s.mu.Lock()
	prev := s.active[sessionID]
	s.active[sessionID] = cw
	s.mu.Unlock()

	if prev != nil && prev != cw {
		done := DoneFrame()
		prev.Detach(&done)
		metrics.ClientDetaches.WithLabelValues("superseded").Inc()
		s.log.Info("client stream superseded", zap.String("session_id", sessionID))
	}
}

// Release forgets cw if it is still the session's current stream.
func (s *Supervisor) Release(sessionID string, cw *ClientWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[sessionID] == cw {
		delete(s.active, sessionID)
	}
}

// Go runs fn as a tracked background relay.
func (s *Supervisor) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until every tracked relay returns or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

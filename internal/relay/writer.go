package relay

import (
	"errors"
	"io"
	"net/http"
	"sync"
)

var ErrClientGone = errors.New("relay: client detached")

// Sink receives frames bound for the client.
type Sink interface {
	Send(f Frame) error
}

// ClientWriter is the client-facing half of a relay. Once detached it drops
// every frame, which lets the upstream keep draining after the client leaves
// or a newer request on the same session takes over.
type ClientWriter struct {
	mu       sync.Mutex
	w        io.Writer
	flusher  http.Flusher
	detached bool
	done     chan struct{}
}

var _ Sink = (*ClientWriter)(nil)

func NewClientWriter(w io.Writer) *ClientWriter {
	cw := &ClientWriter{w: w, done: make(chan struct{})}
	if f, ok := w.(http.Flusher); ok {
		cw.flusher = f
	}
	return cw
}

func (cw *ClientWriter) Send(f Frame) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.detached {
		return ErrClientGone
	}
	if _, err := cw.w.Write(f.Encode()); err != nil {
		cw.detachLocked()
		return err
	}
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
	return nil
}

// Detach stops all further writes, after optionally writing final. It is
// safe to call more than once; only the first call writes.
func (cw *ClientWriter) Detach(final *Frame) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.detached {
		return
	}
	if final != nil {
		if _, err := cw.w.Write(final.Encode()); err == nil && cw.flusher != nil {
			cw.flusher.Flush()
		}
	}
	cw.detachLocked()
}

// Done is closed once the writer is detached.
func (cw *ClientWriter) Done() <-chan struct{} { return cw.done }

func (cw *ClientWriter) Detached() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.detached
}

func (cw *ClientWriter) detachLocked() {
	cw.detached = true
	close(cw.done)
}

// Package bytechan implements the bounded single-producer single-consumer
// byte channel that connects the engine thread (which pulls chunks from a
// script-side stream) to the goroutine writing the HTTP response body.
//
// Backpressure is the send: once the window of buffered chunks is full,
// Send blocks until the consumer drains a chunk or walks away. Chunks are
// delivered in send order, never coalesced or reordered.
package bytechan

import (
	"errors"
	"io"
	"sync"
)

// ErrConsumerGone is returned by Send after the consumer has cancelled the
// receive side (typically because the HTTP client disconnected). It is a
// normal early-termination signal, not a failure.
var ErrConsumerGone = errors.New("bytechan: consumer gone")

// Chan is a bounded SPSC byte-chunk channel. The producer calls Send then
// CloseSend exactly once; the consumer calls Next until it returns io.EOF or
// an error, or CancelRecv to abandon the stream.
type Chan struct {
	chunks chan []byte
	gone   chan struct{} // closed by CancelRecv

	closeOnce  sync.Once
	cancelOnce sync.Once

	mu  sync.Mutex
	err error // fault recorded by CloseSend, read after chunks closes
}

// New creates a channel buffering at most window chunks. window must be at
// least 1.
func New(window int) *Chan {
	if window < 1 {
		window = 1
	}
	return &Chan{
		chunks: make(chan []byte, window),
		gone:   make(chan struct{}),
	}
}

// Send commits one chunk, blocking while the buffered window is full. The
// channel takes ownership of b. Returns ErrConsumerGone if the consumer has
// cancelled; the producer should stop reading from its source.
func (c *Chan) Send(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	select {
	case <-c.gone:
		return ErrConsumerGone
	default:
	}
	select {
	case c.chunks <- b:
		return nil
	case <-c.gone:
		return ErrConsumerGone
	}
}

// CloseSend marks the write side complete. A nil err lets the consumer drain
// remaining chunks and finish with io.EOF; a non-nil err makes Next return
// that error once the buffered chunks are drained, so a consumer already
// streaming observes the fault instead of hanging.
func (c *Chan) CloseSend(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.chunks)
	})
}

// Next returns the next chunk in order. After CloseSend it returns io.EOF on
// clean completion or the recorded fault.
func (c *Chan) Next() ([]byte, error) {
	b, ok := <-c.chunks
	if ok {
		return b, nil
	}
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// CancelRecv abandons the receive side. Subsequent and blocked Sends return
// ErrConsumerGone. Safe to call multiple times and concurrently with Next.
func (c *Chan) CancelRecv() {
	c.cancelOnce.Do(func() {
		close(c.gone)
	})
}

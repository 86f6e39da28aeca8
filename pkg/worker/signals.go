package worker

import (
	"context"
	"sync"

	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/message"
)

// SignalKind distinguishes intermediate events from the terminal outcome.
type SignalKind int

const (
	SignalEvent SignalKind = iota
	SignalFinished
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalEvent:
		return "event"
	case SignalFinished:
		return "finished"
	default:
		return "error"
	}
}

// Signal is one message from a worker to the goroutine that owns it.
type Signal struct {
	Kind  SignalKind
	Event *events.Event
	Turn  *message.Turn
	Err   error
}

// Terminal reports whether s ends the stream.
func (s Signal) Terminal() bool { return s.Kind != SignalEvent }

// Signals is the response channel of one worker. It carries zero or more
// intermediate events and exactly one terminal signal, after which it closes.
type Signals struct {
	mu     sync.Mutex
	ch     chan Signal
	closed bool
}

// NewSignals allocates a channel with the given buffer.
func NewSignals(buffer int) *Signals {
	if buffer < 0 {
		buffer = 0
	}
	return &Signals{ch: make(chan Signal, buffer)}
}

// C exposes the receive side.
func (s *Signals) C() <-chan Signal { return s.ch }

// Emit sends an intermediate event. It reports false once the stream has ended.
func (s *Signals) Emit(evt *events.Event) bool {
	return s.send(Signal{Kind: SignalEvent, Event: evt}, false)
}

// Finish ends the stream successfully. Only the first terminal call counts.
func (s *Signals) Finish(turn *message.Turn) bool {
	return s.send(Signal{Kind: SignalFinished, Turn: turn}, true)
}

// Fail ends the stream with err. Only the first terminal call counts.
func (s *Signals) Fail(turn *message.Turn, err error) bool {
	return s.send(Signal{Kind: SignalError, Turn: turn, Err: err}, true)
}

// Done reports whether the terminal signal has been sent.
func (s *Signals) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Signals) send(sig Signal, terminal bool) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- sig
	if terminal {
		s.closed = true
		close(s.ch)
	}
	return true
}

// Drain delivers every signal to handle on the calling goroutine until the
// terminal signal arrives, then returns its error. A cancelled ctx stops
// draining early.
func Drain(ctx context.Context, s *Signals, handle func(Signal)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-s.C():
			if !ok {
				return nil
			}
			if handle != nil {
				handle(sig)
			}
			if sig.Terminal() {
				return sig.Err
			}
		}
	}
}

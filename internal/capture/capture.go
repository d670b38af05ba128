// Package capture arms speech recognition sessions and delivers their
// results as an ordered stream of events ending in exactly one terminal event.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUnsupported reports that no speech-to-text capability is available.
	ErrUnsupported = errors.New("speech capture is not supported")
	// ErrAlreadyActive reports an attempt to arm a second concurrent session.
	ErrAlreadyActive = errors.New("a capture session is already active")
)

// Common SessionError codes.
const (
	CodeNoSpeech     = "no-speech"
	CodeAudioCapture = "audio-capture"
	CodeNotAllowed   = "not-allowed"
	CodeNetwork      = "network"
	CodeRecognizer   = "recognizer-failed"
)

type EventKind int

const (
	EventPartial EventKind = iota
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a session's output. Partial events carry Text/Final,
// error events carry Code/Detail.
type Event struct {
	Kind   EventKind
	Text   string
	Final  bool
	Code   string
	Detail string
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Kind == EventEnded || e.Kind == EventError
}

// Options configure one capture session.
type Options struct {
	Language       string
	InterimResults bool
	Continuous     bool
	MaxDuration    time.Duration
}

// Session is an armed recognition session. Events is closed right after the
// terminal event. Stop is idempotent and never reports termination itself.
type Session interface {
	Events() <-chan Event
	Stop()
}

// Source arms capture sessions.
type Source interface {
	Arm(ctx context.Context, opts Options) (Session, error)
}

type unsupported struct{}

// Unsupported returns a Source for platforms without speech recognition.
func Unsupported() Source { return unsupported{} }

func (unsupported) Arm(context.Context, Options) (Session, error) {
	return nil, ErrUnsupported
}

// emitter serializes delivery for a session and guarantees a single terminal
// event followed by close.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEmitter(buffer int) *emitter {
	return &emitter{ch: make(chan Event, buffer)}
}

func (e *emitter) events() <-chan Event {
	return e.ch
}

func (e *emitter) partial(text string, final bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.ch <- Event{Kind: EventPartial, Text: text, Final: final}
	return true
}

func (e *emitter) end() {
	e.terminate(Event{Kind: EventEnded})
}

func (e *emitter) fail(code, detail string) {
	e.terminate(Event{Kind: EventError, Code: code, Detail: detail})
}

func (e *emitter) terminate(evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.ch <- evt
	close(e.ch)
}

func (e *emitter) done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Exclusive wraps a Source so that at most one session is armed at a time.
// The slot is released once the session's terminal event has been delivered.
// Arming while the holder is live fails with ErrAlreadyActive; arming while
// the holder has been stopped waits up to stopWait for its terminal event.
func Exclusive(src Source, stopWait time.Duration) Source {
	return &exclusive{src: src, stopWait: stopWait}
}

type exclusive struct {
	src      Source
	stopWait time.Duration
	mu       sync.Mutex
	held     *slot
}

type slot struct {
	stopping bool
	freed    chan struct{}
}

func (x *exclusive) Arm(ctx context.Context, opts Options) (Session, error) {
	s, err := x.acquire(ctx)
	if err != nil {
		return nil, err
	}

	inner, err := x.src.Arm(ctx, opts)
	if err != nil {
		x.release(s)
		return nil, err
	}

	out := make(chan Event, cap(inner.Events())+1)
	go func() {
		defer close(out)
		freed := false
		for evt := range inner.Events() {
			if evt.Terminal() && !freed {
				x.release(s)
				freed = true
			}
			out <- evt
		}
		if !freed {
			x.release(s)
		}
	}()
	return &exclusiveSession{inner: inner, out: out, owner: x, slot: s}, nil
}

func (x *exclusive) acquire(ctx context.Context) (*slot, error) {
	var timeout <-chan time.Time
	for {
		x.mu.Lock()
		cur := x.held
		if cur == nil {
			x.held = &slot{freed: make(chan struct{})}
			s := x.held
			x.mu.Unlock()
			return s, nil
		}
		stopping := cur.stopping
		x.mu.Unlock()

		if !stopping || x.stopWait <= 0 {
			return nil, ErrAlreadyActive
		}
		if timeout == nil {
			timer := time.NewTimer(x.stopWait)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-cur.freed:
		case <-timeout:
			return nil, ErrAlreadyActive
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (x *exclusive) release(s *slot) {
	x.mu.Lock()
	if x.held == s {
		x.held = nil
	}
	x.mu.Unlock()
	close(s.freed)
}

func (x *exclusive) markStopping(s *slot) {
	x.mu.Lock()
	s.stopping = true
	x.mu.Unlock()
}

type exclusiveSession struct {
	inner Session
	out   chan Event
	owner *exclusive
	slot  *slot
}

func (s *exclusiveSession) Events() <-chan Event { return s.out }

func (s *exclusiveSession) Stop() {
	s.owner.markStopping(s.slot)
	s.inner.Stop()
}

package capture

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultMockUtterance is spoken by the mock source when no script is given.
const DefaultMockUtterance = "generate report for electronics category"

type mockSource struct {
	script   []Event
	interval time.Duration
}

// NewMockSource replays script for every armed session, pausing interval
// between events. Without a terminal event in the script the session ends
// when stopped. An empty script types out DefaultMockUtterance word by word and ends.
func NewMockSource(interval time.Duration, script ...Event) Source {
	if len(script) == 0 {
		script = wordByWord(DefaultMockUtterance)
	}
	return &mockSource{script: script, interval: interval}
}

func wordByWord(utterance string) []Event {
	words := strings.Fields(utterance)
	events := make([]Event, 0, len(words)+2)
	for i := range words {
		events = append(events, Event{Kind: EventPartial, Text: strings.Join(words[:i+1], " ")})
	}
	events = append(events, Event{Kind: EventPartial, Text: utterance, Final: true}, Event{Kind: EventEnded})
	return events
}

func (m *mockSource) Arm(ctx context.Context, opts Options) (Session, error) {
	sess := &mockSession{out: newEmitter(len(m.script) + 1), stop: make(chan struct{})}
	go sess.play(ctx, m.script, m.interval, opts.InterimResults)
	return sess, nil
}

type mockSession struct {
	out      *emitter
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *mockSession) Events() <-chan Event { return s.out.events() }

func (s *mockSession) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *mockSession) play(ctx context.Context, script []Event, interval time.Duration, interim bool) {
	for _, evt := range script {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-s.stop:
				s.out.end()
				return
			case <-ctx.Done():
				s.out.fail("aborted", ctx.Err().Error())
				return
			}
		}
		switch evt.Kind {
		case EventPartial:
			if !evt.Final && !interim {
				continue
			}
			s.out.partial(evt.Text, evt.Final)
		case EventEnded:
			s.out.end()
			return
		case EventError:
			s.out.fail(evt.Code, evt.Detail)
			return
		}
	}
	select {
	case <-s.stop:
		s.out.end()
	case <-ctx.Done():
		s.out.fail("aborted", ctx.Err().Error())
	}
}

package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicereport/internal/bus"
	"github.com/loqalabs/voicereport/internal/protocol"
	"github.com/nats-io/nats.go"
)

// busSource delegates recognition to a remote STT service on the bus. Arm
// publishes a start request and follows transcripts for the new session id
// until the service reports the session end.
type busSource struct {
	bus       *bus.Client
	stopGrace time.Duration
	logger    *slog.Logger
}

func NewBusSource(busClient *bus.Client, stopGrace time.Duration, logger *slog.Logger) Source {
	if stopGrace <= 0 {
		stopGrace = 3 * time.Second
	}
	return &busSource{
		bus:       busClient,
		stopGrace: stopGrace,
		logger:    logger.With(slog.String("component", "capture.bus")),
	}
}

func (s *busSource) Arm(ctx context.Context, opts Options) (Session, error) {
	if s.bus == nil || !s.bus.Healthy() {
		return nil, fmt.Errorf("%w: bus not connected", ErrUnsupported)
	}
	sess := &busSession{
		id:        uuid.NewString(),
		bus:       s.bus,
		out:       newEmitter(32),
		stopGrace: s.stopGrace,
		logger:    s.logger,
		done:      make(chan struct{}),
	}

	if opts.MaxDuration > 0 {
		sess.timer = time.NewTimer(opts.MaxDuration)
	}

	// One wildcard subscription keeps transcripts and the terminal event in
	// publication order.
	sub, err := s.bus.Conn().Subscribe("stt.>", sess.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe transcripts: %w", err)
	}
	sess.sub = sub
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	start := protocol.CaptureControl{
		SessionID:      sess.id,
		Language:       opts.Language,
		InterimResults: opts.InterimResults,
		Continuous:     opts.Continuous,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSessionStart, start); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("publish capture start: %w", err)
	}

	go sess.watch(ctx)
	return sess, nil
}

type busSession struct {
	id        string
	bus       *bus.Client
	sub       *nats.Subscription
	out       *emitter
	timer     *time.Timer
	stopGrace time.Duration
	logger    *slog.Logger

	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
}

func (s *busSession) watch(ctx context.Context) {
	var limit <-chan time.Time
	if s.timer != nil {
		limit = s.timer.C
	}
	select {
	case <-ctx.Done():
		s.Stop()
	case <-limit:
		s.Stop()
	case <-s.done:
	}
}

func (s *busSession) Events() <-chan Event { return s.out.events() }

func (s *busSession) Stop() {
	s.stopOnce.Do(func() {
		msg := protocol.CaptureControl{SessionID: s.id, Timestamp: time.Now().UTC()}
		if err := s.bus.PublishJSON(protocol.SubjectSessionStop, msg); err != nil {
			s.logger.Warn("failed to publish capture stop", slog.String("error", err.Error()))
		}
		// The remote recognizer normally answers with stt.session.end; if it
		// does not, end the session locally.
		time.AfterFunc(s.stopGrace, func() { s.finish(Event{Kind: EventEnded}) })
	})
}

func (s *busSession) handle(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			s.logger.Warn("failed to decode transcript", slog.String("error", err.Error()))
			return
		}
		if transcript.SessionID != s.id {
			return
		}
		final := msg.Subject == protocol.SubjectTranscriptFinal
		s.out.partial(transcript.Text, final)
	case protocol.SubjectSessionEnd:
		var terminal protocol.SessionTerminal
		if err := json.Unmarshal(msg.Data, &terminal); err != nil {
			s.logger.Warn("failed to decode session end", slog.String("error", err.Error()))
			return
		}
		if terminal.SessionID != s.id {
			return
		}
		if terminal.ErrorCode != "" {
			s.finish(Event{Kind: EventError, Code: terminal.ErrorCode, Detail: terminal.Detail})
			return
		}
		s.finish(Event{Kind: EventEnded})
	}
}

func (s *busSession) finish(evt Event) {
	s.doneOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		if evt.Kind == EventError {
			s.out.fail(evt.Code, evt.Detail)
		} else {
			s.out.end()
		}
		close(s.done)
	})
}

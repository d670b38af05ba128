package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/voicereport/internal/bus"
	"github.com/loqalabs/voicereport/internal/config"
	"github.com/loqalabs/voicereport/internal/natsserver"
	"github.com/loqalabs/voicereport/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, sess Session, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-sess.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatalf("timed out waiting for session events, got %v", events)
		}
	}
}

func TestUnsupportedSource(t *testing.T) {
	if _, err := Unsupported().Arm(context.Background(), Options{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestMockSourceReplaysScript(t *testing.T) {
	src := NewMockSource(0,
		Event{Kind: EventPartial, Text: "gener"},
		Event{Kind: EventPartial, Text: "generate report", Final: true},
		Event{Kind: EventEnded},
	)
	sess, err := src.Arm(context.Background(), Options{InterimResults: true})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	events := collect(t, sess, time.Second)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %v", len(events), events)
	}
	if events[1].Text != "generate report" || !events[1].Final {
		t.Fatalf("unexpected final event %+v", events[1])
	}
	if events[2].Kind != EventEnded {
		t.Fatalf("expected terminal ended event, got %v", events[2].Kind)
	}
}

func TestMockSourceSkipsInterimWhenDisabled(t *testing.T) {
	src := NewMockSource(0,
		Event{Kind: EventPartial, Text: "gener"},
		Event{Kind: EventPartial, Text: "generate report", Final: true},
		Event{Kind: EventEnded},
	)
	sess, err := src.Arm(context.Background(), Options{InterimResults: false})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	events := collect(t, sess, time.Second)
	if len(events) != 2 || !events[0].Final {
		t.Fatalf("expected only the final partial and the terminal event, got %v", events)
	}
}

func TestMockSourceStopIsIdempotent(t *testing.T) {
	src := NewMockSource(0, Event{Kind: EventPartial, Text: "show sales", Final: true})
	sess, err := src.Arm(context.Background(), Options{InterimResults: true})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	sess.Stop()
	sess.Stop()
	events := collect(t, sess, time.Second)
	terminals := 0
	for _, evt := range events {
		if evt.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d (%v)", terminals, events)
	}
}

func TestExclusiveRejectsSecondSession(t *testing.T) {
	src := Exclusive(NewMockSource(0, Event{Kind: EventPartial, Text: "x", Final: true}), time.Second)
	first, err := src.Arm(context.Background(), Options{})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := src.Arm(context.Background(), Options{}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	first.Stop()
	collect(t, first, time.Second)

	second, err := src.Arm(context.Background(), Options{})
	if err != nil {
		t.Fatalf("expected slot to be released after terminal event: %v", err)
	}
	second.Stop()
	collect(t, second, time.Second)
}

func TestExclusiveArmRightAfterStopWaitsForTerminal(t *testing.T) {
	src := Exclusive(NewMockSource(50*time.Millisecond, Event{Kind: EventPartial, Text: "x", Final: true}), time.Second)
	for i := 0; i < 20; i++ {
		sess, err := src.Arm(context.Background(), Options{})
		if err != nil {
			t.Fatalf("attempt %d: arm after stop: %v", i, err)
		}
		sess.Stop()
		go func() {
			for range sess.Events() {
			}
		}()
	}
}

type stuckSession struct{ ch chan Event }

func (s *stuckSession) Events() <-chan Event { return s.ch }
func (s *stuckSession) Stop()                {}

type stuckSource struct{}

func (stuckSource) Arm(context.Context, Options) (Session, error) {
	return &stuckSession{ch: make(chan Event)}, nil
}

func TestExclusiveGivesUpOnSessionThatNeverEnds(t *testing.T) {
	src := Exclusive(stuckSource{}, 30*time.Millisecond)
	sess, err := src.Arm(context.Background(), Options{})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	sess.Stop()
	started := time.Now()
	if _, err := src.Arm(context.Background(), Options{}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if waited := time.Since(started); waited < 30*time.Millisecond {
		t.Fatalf("expected to wait for the stopping session, waited %s", waited)
	}
}

func TestExclusiveReleasesOnArmFailure(t *testing.T) {
	src := Exclusive(Unsupported(), time.Second)
	for i := 0; i < 2; i++ {
		if _, err := src.Arm(context.Background(), Options{}); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("attempt %d: expected ErrUnsupported, got %v", i, err)
		}
	}
}

func TestExecSourceStreamsRecognizerOutput(t *testing.T) {
	src, err := NewExecSource(`sh -c 'echo "{\"text\":\"gener\",\"final\":false}"; echo "{\"text\":\"generate report\",\"final\":true}"'`)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	sess, err := src.Arm(context.Background(), Options{Language: "en-US", InterimResults: true})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	events := collect(t, sess, 5*time.Second)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}
	if events[0].Text != "gener" || events[0].Final {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[2].Kind != EventEnded {
		t.Fatalf("expected ended event, got %+v", events[2])
	}
}

func TestExecSourceReportsRecognizerError(t *testing.T) {
	src, err := NewExecSource(`sh -c 'echo "{\"error\":\"no-speech\",\"detail\":\"silence\"}"; exit 1'`)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	sess, err := src.Arm(context.Background(), Options{})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	events := collect(t, sess, 5*time.Second)
	last := events[len(events)-1]
	if last.Kind != EventError || last.Code != CodeNoSpeech {
		t.Fatalf("expected no-speech error, got %+v", last)
	}
}

func TestExecSourceFailsOnOversizedLine(t *testing.T) {
	prev := maxRecognizerLine
	maxRecognizerLine = 1024
	t.Cleanup(func() { maxRecognizerLine = prev })

	src, err := NewExecSource(`sh -c 'head -c 200000 /dev/zero | tr "\\000" a; echo; sleep 30'`)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	sess, err := src.Arm(context.Background(), Options{})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	events := collect(t, sess, 10*time.Second)
	if len(events) != 1 || events[0].Kind != EventError || events[0].Code != CodeRecognizer {
		t.Fatalf("expected recognizer failure, got %v", events)
	}
}

func TestExecSourceMissingBinaryIsUnsupported(t *testing.T) {
	src, err := NewExecSource("voicereport-no-such-recognizer")
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	if _, err := src.Arm(context.Background(), Options{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestBusSourceFollowsRemoteSession(t *testing.T) {
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	client := bus.FromConn(conn, logger)
	t.Cleanup(client.Close)

	// Fake remote recognizer: answer every start with two transcripts and an end.
	recognizer, err := conn.Subscribe(protocol.SubjectSessionStart, func(msg *nats.Msg) {
		var start protocol.CaptureControl
		if err := json.Unmarshal(msg.Data, &start); err != nil {
			return
		}
		_ = client.PublishJSON(protocol.SubjectTranscriptPartial, protocol.Transcript{SessionID: start.SessionID, Text: "gener", Partial: true})
		_ = client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: start.SessionID, Text: "generate report"})
		_ = client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "someone-else", Text: "ignored"})
		_ = client.PublishJSON(protocol.SubjectSessionEnd, protocol.SessionTerminal{SessionID: start.SessionID})
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = recognizer.Unsubscribe() })

	src := NewBusSource(client, time.Second, logger)
	sess, err := src.Arm(context.Background(), Options{Language: "en-US", InterimResults: true})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	events := collect(t, sess, 5*time.Second)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}
	if events[1].Text != "generate report" || !events[1].Final {
		t.Fatalf("unexpected final event %+v", events[1])
	}
	if events[2].Kind != EventEnded {
		t.Fatalf("expected ended event, got %+v", events[2])
	}
}

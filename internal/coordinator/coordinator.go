// Package coordinator owns the lifecycle of one voice interaction: it arms
// capture, accumulates the transcript, dispatches the finished utterance and
// publishes exactly one result per dispatched interaction.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicereport/internal/capture"
	"github.com/loqalabs/voicereport/internal/interpreter"
	"github.com/loqalabs/voicereport/internal/speaker"
	"github.com/loqalabs/voicereport/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Dispatcher submits finished command text. *interpreter.Dispatcher
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req interpreter.CommandRequest) (interpreter.CommandResult, error)
}

// Options tune capture and feedback.
type Options struct {
	Capture       capture.Options
	SpeakFeedback bool
	DownloadBase  string
}

// Feedback phrases.
const (
	PhraseTransportFailure = "Sorry, I could not process your request. Please try again."
)

func successPhrase(records int) string {
	return fmt.Sprintf("Report generated successfully. Found %d records.", records)
}

func failurePhrase(result interpreter.CommandResult) string {
	if result.LocalFailure {
		return PhraseTransportFailure
	}
	return "Error: " + result.Message
}

func captureErrorPhrase(code string) string {
	return "Speech recognition error: " + code
}

type Coordinator struct {
	source     capture.Source
	dispatcher Dispatcher
	speaker    speaker.Speaker
	opts       Options
	notify     *notifier
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	interactions metric.Int64Counter

	mu            sync.Mutex
	closed        bool
	state         State
	epoch         uint64
	interactionID string
	origin        Source
	command       string
	acc           *transcript.Accumulator
	session       capture.Session
	arming        bool
	armAbandoned  bool
	abortDispatch context.CancelFunc
	dispatchDone  chan struct{}
	lastResult    *Report
	lastError     *CaptureFailure
}

func New(source capture.Source, dispatcher Dispatcher, spk speaker.Speaker, opts Options, logger *slog.Logger, observers ...Observer) *Coordinator {
	if source == nil {
		source = capture.Unsupported()
	}
	if spk == nil {
		spk = speaker.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		source:     source,
		dispatcher: dispatcher,
		speaker:    spk,
		opts:       opts,
		notify:     newNotifier(observers),
		logger:     logger.With(slog.String("component", "coordinator")),
		ctx:        ctx,
		cancel:     cancel,
		acc:        transcript.NewAccumulator(),
	}
	counter, err := otel.Meter("github.com/loqalabs/voicereport/coordinator").Int64Counter(
		"voicereport.interactions.total",
		metric.WithDescription("Voice interactions by final state"),
	)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.interactions = counter
	}
	return c
}

// AddObserver registers obs for notifications from now on.
func (c *Coordinator) AddObserver(obs Observer) {
	c.notify.add(obs)
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:         c.state.String(),
		InteractionID: c.interactionID,
		Source:        c.origin,
		Transcript:    c.acc.Current(),
		Segments:      c.acc.Segments(),
		Command:       c.command,
		LastResult:    c.lastResult,
		LastError:     c.lastError,
	}
}

// Start arms a capture session. It fails with ErrAlreadyActive unless the
// coordinator is idle or the previous interaction has finished, and passes
// through capture.ErrUnsupported and capture.ErrAlreadyActive. Arming runs
// without the lock held; a Cancel, Reset or Close issued meanwhile abandons
// the new session.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.state.canStart() || c.arming {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.arming = true
	c.armAbandoned = false
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	sess, err := c.source.Arm(c.ctx, c.opts.Capture)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.arming = false
	if err != nil {
		if errors.Is(err, capture.ErrUnsupported) {
			c.logger.Warn("speech capture unavailable", slogError(err))
		}
		return err
	}
	if c.closed || c.armAbandoned {
		sess.Stop()
		go func() {
			for range sess.Events() {
			}
		}()
		if c.closed {
			return ErrClosed
		}
		return ErrCancelled
	}

	c.beginLocked(SourceVoice)
	c.session = sess
	c.transitionLocked(StateListening, ReasonStart)

	epoch := c.epoch
	c.wg.Add(1)
	go c.pump(epoch, sess)
	return nil
}

// Finish asks the capture session to end. The transcript gathered so far is
// submitted once the session reports its end.
func (c *Coordinator) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListening || c.session == nil {
		return ErrNotListening
	}
	c.session.Stop()
	return nil
}

// Cancel abandons the live interaction. While listening the capture session
// is stopped and the transcript discarded; while submitting the in-flight
// result is ignored. In any other state it does nothing.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armAbandoned = c.arming
	if c.cancelLocked() {
		c.recordLocked(StateIdle)
	}
}

// Stop is an alias for Cancel.
func (c *Coordinator) Stop() { c.Cancel() }

// Reset clears the transcript, last result and last error and returns to
// idle, cancelling a live interaction first.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armAbandoned = c.arming
	if c.cancelLocked() {
		c.recordLocked(StateIdle)
	}
	c.acc.Reset()
	c.command = ""
	c.lastResult = nil
	c.lastError = nil
	if c.state != StateIdle {
		c.transitionLocked(StateIdle, ReasonReset)
	}
}

// Submit dispatches typed command text without a capture session.
func (c *Coordinator) Submit(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.state.canStart() || c.arming {
		return ErrAlreadyActive
	}
	text = strings.TrimSpace(text)
	if text == "" {
		if c.state != StateIdle {
			c.transitionLocked(StateIdle, ReasonEmpty)
		}
		return ErrEmptyCommand
	}

	c.beginLocked(SourceTyped)
	c.acc.OnPartial(text, true)
	c.dispatchLocked(text, ReasonSubmit)
	return nil
}

// Close cancels any live interaction and waits for background work. The
// speaker is left open for its owner to close.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancelLocked() {
		c.recordLocked(StateIdle)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.notify.close()
}

func (c *Coordinator) beginLocked(origin Source) {
	c.epoch++
	c.interactionID = uuid.NewString()
	c.origin = origin
	c.command = ""
	c.lastResult = nil
	c.lastError = nil
	c.acc.Reset()
}

// cancelLocked leaves Listening or Submitting for Idle and reports whether
// anything was cancelled.
func (c *Coordinator) cancelLocked() bool {
	switch c.state {
	case StateListening:
		c.epoch++
		if c.session != nil {
			c.session.Stop()
			c.session = nil
		}
		c.acc.Reset()
	case StateSubmitting:
		c.epoch++
		if c.abortDispatch != nil {
			c.abortDispatch()
			c.abortDispatch = nil
		}
	default:
		return false
	}
	c.transitionLocked(StateIdle, ReasonCancelled)
	return true
}

// pump drains one session. Events from a session the coordinator no longer
// follows are read and dropped so the session can finish.
func (c *Coordinator) pump(epoch uint64, sess capture.Session) {
	defer c.wg.Done()
	for evt := range sess.Events() {
		c.handleEvent(epoch, evt)
	}
}

func (c *Coordinator) handleEvent(epoch uint64, evt capture.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch || c.state != StateListening {
		return
	}

	switch evt.Kind {
	case capture.EventPartial:
		c.acc.OnPartial(evt.Text, evt.Final)
		c.transitionLocked(StateListening, ReasonPartial)
	case capture.EventEnded:
		c.session = nil
		c.transitionLocked(StateFinalizing, ReasonSessionEnded)
		// Read the accumulator now; nothing captured earlier is used.
		text := strings.TrimSpace(c.acc.Seal())
		if text == "" {
			c.transitionLocked(StateIdle, ReasonEmpty)
			c.recordLocked(StateIdle)
			return
		}
		c.dispatchLocked(text, ReasonDispatch)
	case capture.EventError:
		c.session = nil
		c.lastError = &CaptureFailure{Code: evt.Code, Detail: evt.Detail}
		c.logger.Warn("capture session failed", slog.String("code", evt.Code), slog.String("detail", evt.Detail))
		c.transitionLocked(StateErrored, ReasonSessionError+": "+evt.Code)
		c.sayLocked(captureErrorPhrase(evt.Code))
		c.recordLocked(StateErrored)
	}
}

func (c *Coordinator) dispatchLocked(text, reason string) {
	c.command = text
	c.transitionLocked(StateSubmitting, reason)

	ctx, abort := context.WithCancel(c.ctx)
	c.abortDispatch = abort
	prev := c.dispatchDone
	done := make(chan struct{})
	c.dispatchDone = done

	epoch := c.epoch
	report := Report{InteractionID: c.interactionID, Source: c.origin, Command: text}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		defer abort()

		// A cancelled dispatch may still be unwinding; keep at most one in flight.
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}

		result, err := c.dispatcher.Dispatch(ctx, interpreter.CommandRequest{RawText: text})
		if err != nil {
			result = interpreter.Failed(err.Error())
		}
		report.Result = result
		c.complete(epoch, report)
	}()
}

func (c *Coordinator) complete(epoch uint64, report Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch || c.state != StateSubmitting {
		c.logger.Info("discarding late command result", slog.String("interaction_id", report.InteractionID))
		return
	}
	c.abortDispatch = nil

	report.CompletedAt = time.Now().UTC()
	report.DownloadURL = DownloadURL(c.opts.DownloadBase, report.Result.ReportURL)
	c.lastResult = &report

	if report.Result.Success {
		c.transitionLocked(StateDone, ReasonResultSuccess)
		c.sayLocked(successPhrase(len(report.Result.SalesRecords)))
		c.recordLocked(StateDone)
	} else {
		c.transitionLocked(StateErrored, ReasonResultFailure)
		c.sayLocked(failurePhrase(report.Result))
		c.recordLocked(StateErrored)
	}
	c.notify.push(notification{report: &report})
}

func (c *Coordinator) transitionLocked(to State, reason string) {
	from := c.state
	c.state = to
	t := Transition{
		InteractionID: c.interactionID,
		From:          from,
		To:            to,
		Reason:        reason,
		Transcript:    c.acc.Current(),
		At:            time.Now().UTC(),
	}
	if from != to {
		c.logger.Debug("state transition",
			slog.String("interaction_id", t.InteractionID),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("reason", reason),
		)
	}
	c.notify.push(notification{transition: &t})
}

func (c *Coordinator) sayLocked(text string) {
	if c.opts.SpeakFeedback {
		c.speaker.Say(text)
	}
}

func (c *Coordinator) recordLocked(final State) {
	if c.interactions == nil {
		return
	}
	c.interactions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("final_state", final.String()),
		attribute.String("source", string(c.origin)),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

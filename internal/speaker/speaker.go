// Package speaker gives short spoken feedback. Say never blocks and never
// reports failure to the caller.
package speaker

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicereport/internal/bus"
	"github.com/loqalabs/voicereport/internal/protocol"
)

type Speaker interface {
	Say(text string)
	Close()
}

type nopSpeaker struct{}

// Nop returns a Speaker that stays silent.
func Nop() Speaker { return nopSpeaker{} }

func (nopSpeaker) Say(string) {}
func (nopSpeaker) Close()     {}

// Voice settings applied to every phrase.
type Voice struct {
	Name string
	Rate float64
}

// Local synthesizes and plays phrases one at a time from a bounded queue.
// Phrases arriving while the queue is full are dropped.
type Local struct {
	synth  Synthesizer
	player Player
	voice  Voice
	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
}

func NewLocal(synth Synthesizer, player Player, voice Voice, queueSize int, logger *slog.Logger) *Local {
	if queueSize <= 0 {
		queueSize = 8
	}
	if player == nil {
		player = Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		synth:  synth,
		player: player,
		voice:  voice,
		queue:  make(chan string, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "speaker")),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Local) Say(text string) {
	text = strings.TrimSpace(text)
	if text == "" || l.ctx.Err() != nil {
		return
	}
	select {
	case l.queue <- text:
	default:
		l.logger.Warn("speech queue full, dropping phrase", slog.String("text", text))
	}
}

func (l *Local) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
}

func (l *Local) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case text := <-l.queue:
			if err := l.speak(text); err != nil {
				l.logger.Warn("speech failed", slog.String("text", text), slogError(err))
			}
		}
	}
}

func (l *Local) speak(text string) error {
	ctx, cancel := context.WithTimeout(l.ctx, 45*time.Second)
	defer cancel()

	chunks, errs := l.synth.Synthesize(ctx, SynthRequest{Text: text, Voice: l.voice.Name, Rate: l.voice.Rate})
	var (
		pcm  bytes.Buffer
		clip Clip
	)
	for chunk := range chunks {
		clip.SampleRate = chunk.SampleRate
		clip.Channels = chunk.Channels
		pcm.Write(chunk.PCM)
	}
	if err := <-errs; err != nil {
		return err
	}
	clip.PCM = pcm.Bytes()
	if len(clip.PCM) == 0 {
		return nil
	}
	start := time.Now()
	if err := l.player.Play(ctx, clip); err != nil {
		return err
	}
	l.logger.Debug("phrase spoken", slog.String("text", text), slog.Duration("latency", time.Since(start)))
	return nil
}

// Bus forwards phrases to a remote synthesizer as tts.request messages.
type Bus struct {
	bus    *bus.Client
	voice  Voice
	target string
	logger *slog.Logger
}

func NewBus(busClient *bus.Client, voice Voice, target string, logger *slog.Logger) *Bus {
	return &Bus{
		bus:    busClient,
		voice:  voice,
		target: target,
		logger: logger.With(slog.String("component", "speaker.bus")),
	}
}

func (b *Bus) Say(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	req := protocol.TTSRequest{
		SessionID: uuid.NewString(),
		Text:      text,
		Voice:     b.voice.Name,
		Rate:      b.voice.Rate,
		Target:    b.target,
	}
	if err := b.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		b.logger.Warn("failed to publish tts request", slogError(err))
	}
}

func (b *Bus) Close() {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/voicereport/internal/bus"
	"github.com/loqalabs/voicereport/internal/capture"
	"github.com/loqalabs/voicereport/internal/config"
	"github.com/loqalabs/voicereport/internal/interpreter"
	"github.com/loqalabs/voicereport/internal/speaker"
)

// captureStopWait bounds how long a new session waits for a stopped one to
// report its end. It exceeds the bus source's stop grace.
const captureStopWait = 5 * time.Second

func captureOptions(cfg config.CaptureConfig) capture.Options {
	return capture.Options{
		Language:       cfg.Language,
		InterimResults: cfg.InterimResults,
		Continuous:     cfg.Continuous,
		MaxDuration:    time.Duration(cfg.MaxDurationMS) * time.Millisecond,
	}
}

// buildCaptureSource returns the configured source wrapped so that only one
// session can hold the microphone at a time.
func buildCaptureSource(cfg config.CaptureConfig, busClient *bus.Client, logger *slog.Logger) (capture.Source, error) {
	var src capture.Source
	switch cfg.Mode {
	case "", "none":
		return capture.Unsupported(), nil
	case "mock":
		src = capture.NewMockSource(150 * time.Millisecond)
	case "exec":
		execSrc, err := capture.NewExecSource(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("capture exec source: %w", err)
		}
		src = execSrc
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("capture mode bus requires the bus to be enabled")
		}
		src = capture.NewBusSource(busClient, 3*time.Second, logger)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
	logger.Info("speech capture configured", slog.String("mode", cfg.Mode), slog.String("language", cfg.Language))
	return capture.Exclusive(src, captureStopWait), nil
}

// InterpreterClient builds the interpreter client selected by cfg.Mode.
func InterpreterClient(cfg config.InterpreterConfig) (interpreter.Client, error) {
	switch cfg.Mode {
	case "", "http":
		return interpreter.NewHTTPClient(cfg.BaseURL, &http.Client{}), nil
	case "exec":
		return interpreter.NewExecClient(cfg.Command)
	case "mock":
		return interpreter.NewMockClient(200 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown interpreter mode %q", cfg.Mode)
	}
}

func buildSpeaker(cfg config.SpeakerConfig, busClient *bus.Client, logger *slog.Logger) (speaker.Speaker, error) {
	voice := speaker.Voice{Name: cfg.Voice, Rate: cfg.Rate}
	switch cfg.Mode {
	case "", "none":
		return speaker.Nop(), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("speaker mode bus requires the bus to be enabled")
		}
		return speaker.NewBus(busClient, voice, cfg.Target, logger), nil
	}

	var synth speaker.Synthesizer
	switch cfg.Mode {
	case "mock":
		synth = speaker.NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		execSynth, err := speaker.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		synth = execSynth
	default:
		return nil, fmt.Errorf("unknown speaker mode %q", cfg.Mode)
	}

	player := speaker.Discard()
	if cfg.PlayerCommand != "" {
		execPlayer, err := speaker.NewExecPlayer(cfg.PlayerCommand)
		if err != nil {
			return nil, err
		}
		player = execPlayer
	}
	return speaker.NewLocal(synth, player, voice, cfg.QueueSize, logger), nil
}

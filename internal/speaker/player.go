package speaker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Clip is synthesized audio ready for playback.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Player renders a clip on an output device.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}

type discardPlayer struct{}

// Discard returns a Player that drops audio.
func Discard() Player { return discardPlayer{} }

func (discardPlayer) Play(context.Context, Clip) error { return nil }

type execPlayer struct {
	cmd []string
}

// NewExecPlayer writes each clip to a temporary WAV file and runs command
// with the file path appended, e.g. "aplay -q".
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, clip Clip) error {
	file, err := os.CreateTemp("", "voicereport_tts_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())

	if err := WriteWAV(file, clip); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	args := append(append([]string{}, p.cmd[1:]...), file.Name())
	cmd := exec.CommandContext(ctx, p.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("player command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// WriteWAV encodes 16-bit PCM as a WAV stream.
func WriteWAV(w io.WriteSeeker, clip Clip) error {
	if len(clip.PCM)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate}}
	samples := make([]int, len(clip.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	buffer.Data = samples
	buffer.SourceBitDepth = 16

	enc := wav.NewEncoder(w, clip.SampleRate, 16, clip.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

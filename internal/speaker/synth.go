package speaker

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
	Rate  float64
}

// SynthChunk carries 16-bit little-endian PCM.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer turns text into streamed audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth runs command once per phrase, writing the request as JSON on
// stdin and reading base64 PCM chunks as JSON lines from stdout.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speaker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speaker command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	e.mu.Lock()
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		defer e.mu.Unlock()

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			Rate:       req.Rate,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}
		if _, err := stdin.Write(data); err != nil {
			errs <- err
			_ = cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode speaker output: %w", err)
				_ = cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- err
				_ = cmd.Wait()
				return
			}
			select {
			case chunks <- SynthChunk{Sequence: sequence, SampleRate: e.sampleRate, Channels: e.channels, PCM: pcm, Final: resp.Final}:
			case <-ctx.Done():
				_ = cmd.Wait()
				errs <- ctx.Err()
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return chunks, errs
}

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth produces a short tone whose length follows the text length.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        tone(m.sampleRate, m.channels, 440, time.Duration(len(req.Text))*5*time.Millisecond),
			Final:      true,
		}
	}()
	return chunks, errs
}

func tone(sampleRate, channels int, freq float64, length time.Duration) []byte {
	frames := int(float64(sampleRate) * length.Seconds())
	pcm := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)) * 0.2 * math.MaxInt16)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*channels+c)*2:], uint16(v))
		}
	}
	return pcm
}

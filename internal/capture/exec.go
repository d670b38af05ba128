package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSource runs an external recognizer per session. The recognizer writes
// one JSON object per line on stdout:
//
//	{"text": "generate report", "final": true}
//	{"error": "no-speech", "detail": "no speech detected"}
//
// A clean exit ends the session; SIGINT asks the recognizer to stop listening.
type execSource struct {
	cmd []string
}

type execLine struct {
	Text   string `json:"text"`
	Final  bool   `json:"final"`
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// maxRecognizerLine caps one JSON line of recognizer output.
var maxRecognizerLine = 1 << 20

func NewExecSource(command string) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &execSource{cmd: args}, nil
}

func (s *execSource) Arm(ctx context.Context, opts Options) (Session, error) {
	args := append([]string{}, s.cmd[1:]...)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.InterimResults {
		args = append(args, "--interim")
	}
	if opts.Continuous {
		args = append(args, "--continuous")
	}

	runCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(runCtx, s.cmd[0], args...)
	command.Cancel = func() error {
		return command.Process.Signal(os.Interrupt)
	}
	command.WaitDelay = 3 * time.Second

	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Start(); err != nil {
		cancel()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	sess := &execSession{
		out:    newEmitter(16),
		cancel: cancel,
	}
	if opts.MaxDuration > 0 {
		sess.timer = time.AfterFunc(opts.MaxDuration, sess.Stop)
	}

	go sess.run(command, stdout, &stderr, opts.InterimResults)
	return sess, nil
}

type execSession struct {
	out      *emitter
	cancel   context.CancelFunc
	timer    *time.Timer
	stopOnce sync.Once
	mu       sync.Mutex
	stopped  bool
}

func (s *execSession) Events() <-chan Event { return s.out.events() }

func (s *execSession) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
	})
}

func (s *execSession) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *execSession) run(command *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, interim bool) {
	defer s.cancel()
	if s.timer != nil {
		defer s.timer.Stop()
	}

	var reported *execLine
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecognizerLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			m := msg
			reported = &m
			continue
		}
		if !msg.Final && !interim {
			continue
		}
		s.out.partial(msg.Text, msg.Final)
	}

	if scanErr := scanner.Err(); scanErr != nil {
		// The recognizer would block writing to an unread pipe.
		s.cancel()
		_ = command.Wait()
		s.out.fail(CodeRecognizer, fmt.Sprintf("read recognizer output: %v", scanErr))
		return
	}

	err := command.Wait()
	switch {
	case reported != nil:
		s.out.fail(reported.Error, reported.Detail)
	case s.wasStopped():
		s.out.end()
	case err != nil:
		s.out.fail(CodeRecognizer, strings.TrimSpace(fmt.Sprintf("%v: %s", err, stderr.String())))
	default:
		s.out.end()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

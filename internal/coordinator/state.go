package coordinator

import (
	"errors"
	"path"
	"strings"
	"time"

	"github.com/loqalabs/voicereport/internal/interpreter"
)

var (
	// ErrAlreadyActive rejects start or submit while an interaction is live.
	ErrAlreadyActive = errors.New("a voice interaction is already active")
	// ErrNotListening rejects finish outside of the listening state.
	ErrNotListening = errors.New("no capture session is listening")
	// ErrEmptyCommand rejects a typed command that is blank after trimming.
	ErrEmptyCommand = errors.New("command text is empty")
	// ErrClosed is returned once the coordinator has been shut down.
	ErrClosed = errors.New("coordinator closed")
	// ErrCancelled reports a start abandoned by Cancel or Reset while the
	// capture session was still being armed.
	ErrCancelled = errors.New("start cancelled before capture was armed")
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
	StateSubmitting
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateSubmitting:
		return "submitting"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// canStart reports whether a new interaction may begin from s.
func (s State) canStart() bool {
	return s == StateIdle || s == StateDone || s == StateErrored
}

// Source tells how the command text of an interaction was produced.
type Source string

const (
	SourceVoice Source = "voice"
	SourceTyped Source = "typed"
)

// Transition reasons.
const (
	ReasonStart         = "start"
	ReasonSubmit        = "submit"
	ReasonPartial       = "partial"
	ReasonSessionEnded  = "session-ended"
	ReasonSessionError  = "session-error"
	ReasonEmpty         = "empty-utterance"
	ReasonDispatch      = "dispatch"
	ReasonResultSuccess = "result-success"
	ReasonResultFailure = "result-failure"
	ReasonCancelled     = "cancelled"
	ReasonReset         = "reset"
)

// Transition describes one state change, including Listening to Listening
// updates carrying a new live transcript.
type Transition struct {
	InteractionID string
	From          State
	To            State
	Reason        string
	Transcript    string
	At            time.Time
}

// Report is the terminal result of one dispatched interaction.
type Report struct {
	InteractionID string                    `json:"interactionId"`
	Source        Source                    `json:"source"`
	Command       string                    `json:"command"`
	Result        interpreter.CommandResult `json:"result"`
	DownloadURL   string                    `json:"downloadUrl,omitempty"`
	CompletedAt   time.Time                 `json:"completedAt"`
}

// CaptureFailure is the recorded SessionError of the last interaction.
type CaptureFailure struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is a point-in-time view for display.
type Snapshot struct {
	State         string          `json:"state"`
	InteractionID string          `json:"interactionId,omitempty"`
	Source        Source          `json:"source,omitempty"`
	Transcript    string          `json:"transcript"`
	Segments      []string        `json:"segments,omitempty"`
	Command       string          `json:"command,omitempty"`
	LastResult    *Report         `json:"lastResult,omitempty"`
	LastError     *CaptureFailure `json:"lastError,omitempty"`
}

// DownloadURL joins base with the file name at the end of reportURL.
func DownloadURL(base, reportURL string) string {
	base = strings.TrimSpace(base)
	reportURL = strings.TrimSpace(reportURL)
	if base == "" || reportURL == "" {
		return ""
	}
	name := path.Base(reportURL)
	if name == "." || name == "/" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + name
}

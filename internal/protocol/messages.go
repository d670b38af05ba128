package protocol

import (
	"encoding/json"
	"time"
)

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionTerminal marks the end of a remote recognition session. An empty
// ErrorCode means the session ended normally.
type SessionTerminal struct {
	SessionID string    `json:"session_id"`
	ErrorCode string    `json:"error_code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureControl asks a remote recognizer to arm or stop a session.
type CaptureControl struct {
	SessionID      string    `json:"session_id"`
	Language       string    `json:"language,omitempty"`
	InterimResults bool      `json:"interim_results"`
	Continuous     bool      `json:"continuous"`
	Timestamp      time.Time `json:"timestamp"`
}

// TTSRequest asks a speech synthesizer to speak text.
type TTSRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
	Target    string  `json:"target,omitempty"`
}

// ControlCommand drives the coordinator remotely.
type ControlCommand struct {
	Command string `json:"command,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// ControlReply acknowledges a ControlCommand.
type ControlReply struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// StateChange is published whenever the coordinator transitions.
type StateChange struct {
	InteractionID string    `json:"interaction_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Reason        string    `json:"reason"`
	Transcript    string    `json:"transcript,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ResultMessage carries one terminal command result.
type ResultMessage struct {
	InteractionID string          `json:"interaction_id"`
	Source        string          `json:"source"`
	Result        json.RawMessage `json:"result"`
	Timestamp     time.Time       `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionEnd        = "stt.session.end"
	SubjectSessionStart      = "stt.session.start"
	SubjectSessionStop       = "stt.session.stop"

	SubjectTTSRequest = "tts.request"

	SubjectControlPrefix  = "voice.control"
	SubjectControlStart   = SubjectControlPrefix + ".start"
	SubjectControlFinish  = SubjectControlPrefix + ".finish"
	SubjectControlCancel  = SubjectControlPrefix + ".cancel"
	SubjectControlReset   = SubjectControlPrefix + ".reset"
	SubjectControlCommand = SubjectControlPrefix + ".command"

	SubjectStateChange = "voice.state"
	SubjectResult      = "voice.result"
)

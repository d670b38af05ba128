// Package transcript accumulates partial recognition results into the
// current best transcript of one utterance.
package transcript

import (
	"strings"
	"sync"
)

// Accumulator holds the final segments and the latest interim segment of one
// capture session. Final segments are append-only until Reset.
type Accumulator struct {
	mu      sync.Mutex
	finals  []string
	interim string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Reset clears all segments. Called once when a session is armed.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finals = nil
	a.interim = ""
}

// OnPartial appends final text or replaces the interim segment. A final
// segment supersedes whatever interim text preceded it.
func (a *Accumulator) OnPartial(text string, isFinal bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if isFinal {
		a.finals = append(a.finals, text)
		a.interim = ""
		return
	}
	a.interim = text
}

// Current returns concat(finals) + interim for live display.
func (a *Accumulator) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.finals, "") + a.interim
}

// Seal drops an unconfirmed interim segment and returns the final transcript.
// The recognizer has ended, so interim text will never be confirmed.
func (a *Accumulator) Seal() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interim = ""
	return strings.Join(a.finals, "")
}

// Segments returns a copy of the final segments.
func (a *Accumulator) Segments() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.finals...)
}

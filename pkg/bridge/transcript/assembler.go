// Package transcript assembles streamed speech and text events into an
// ordered conversation log and a flat transcript string.
package transcript

import (
	"strings"
	"time"
)

// Speaker attributes a turn to one side of the call.
type Speaker string

const (
	SpeakerAgent   Speaker = "agent"
	SpeakerSubject Speaker = "subject"
)

// Turn is one contiguous utterance attributed to a single speaker.
type Turn struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// DefaultCoalesceWindow bounds how far apart two same-speaker fragments may
// arrive and still merge into one turn.
const DefaultCoalesceWindow = 5 * time.Second

// Assembler accumulates turns from link events. It is owned by a single
// session goroutine; callers must not share one instance across goroutines.
type Assembler struct {
	turns  []Turn
	window time.Duration
	now    func() time.Time

	lastSpeaker Speaker
	lastAppend  time.Time
}

// New returns an assembler with the given coalescing window. A window <= 0
// uses DefaultCoalesceWindow.
func New(window time.Duration) *Assembler {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Assembler{window: window, now: time.Now}
}

// OnAgentTextDelta appends streamed agent text to the current agent turn.
func (a *Assembler) OnAgentTextDelta(text string) {
	if text == "" {
		return
	}
	a.append(SpeakerAgent, text, "")
}

// OnAgentTurnDone marks the end of the agent's current response. Further
// agent deltas inside the coalescing window still merge; this only trims
// trailing whitespace on the finished turn.
func (a *Assembler) OnAgentTurnDone() {
	if n := len(a.turns); n > 0 && a.turns[n-1].Speaker == SpeakerAgent {
		a.turns[n-1].Text = strings.TrimSpace(a.turns[n-1].Text)
	}
}

// OnSubjectTranscript records a completed transcription of subject speech.
func (a *Assembler) OnSubjectTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.append(SpeakerSubject, text, " ")
}

func (a *Assembler) append(speaker Speaker, text, sep string) {
	now := a.now()
	n := len(a.turns)
	if n > 0 && a.lastSpeaker == speaker && now.Sub(a.lastAppend) <= a.window {
		if a.turns[n-1].Text == "" {
			sep = ""
		}
		a.turns[n-1].Text += sep + text
	} else {
		a.turns = append(a.turns, Turn{Speaker: speaker, Text: text, Timestamp: now})
	}
	a.lastSpeaker = speaker
	a.lastAppend = now
}

// Turns returns the ordered conversation log.
func (a *Assembler) Turns() []Turn {
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Len reports the number of assembled turns.
func (a *Assembler) Len() int { return len(a.turns) }

// FlatTranscript renders the log as one line per turn.
func (a *Assembler) FlatTranscript() string {
	var b strings.Builder
	for _, turn := range a.turns {
		label := "Agent"
		if turn.Speaker == SpeakerSubject {
			label = "Patient"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(turn.Text))
		b.WriteString("\n")
	}
	return b.String()
}

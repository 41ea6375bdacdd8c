// Package aiprovider adapts the speech provider's realtime channel for one
// call: configuration handshake, input audio streaming, and a normalized
// event stream for the session loop.
package aiprovider

import "encoding/json"

// Client -> provider messages.

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities         []string             `json:"modalities"`
	Instructions       string               `json:"instructions"`
	Voice              string               `json:"voice"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format"`
	InputTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection      *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type inputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// Provider -> client message envelope. Every server event type is dispatched
// through one switch in the link's read loop.

type serverEnvelope struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventKind identifies one normalized provider event.
type EventKind string

const (
	// EventTextDelta carries streamed agent response text.
	EventTextDelta EventKind = "turn_text_delta"
	// EventAudioDelta carries streamed agent response audio bytes.
	EventAudioDelta EventKind = "turn_audio_delta"
	// EventAudioDone marks the end of one agent response turn.
	EventAudioDone EventKind = "turn_audio_done"
	// EventSubjectTranscript carries a completed transcription of subject speech.
	EventSubjectTranscript EventKind = "subject_transcript"
	// EventError surfaces a provider-reported error.
	EventError EventKind = "error"
	// EventClosed reports that the socket ended, with the close code if known.
	EventClosed EventKind = "closed"
)

// Event is one normalized provider event delivered to the session loop.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Err   error
	Code  int
}

// Package telephony adapts the telephony provider's media-stream channel for
// a single call: inbound event decoding, outbound frame pacing, call-setup
// markup, and outbound call initiation.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind identifies one inbound media-stream event.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventStart     EventKind = "start"
	EventMedia     EventKind = "media"
	EventStop      EventKind = "stop"
)

// Event is one decoded inbound media-stream event. StreamSID is set on start
// events; Audio carries the decoded frame on media events.
type Event struct {
	Kind      EventKind
	StreamSID string
	CallSID   string
	Audio     []byte
}

type inboundEnvelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// DecodeEvent parses one inbound media-stream frame. Every provider event
// type goes through this single dispatch point.
func DecodeEvent(data []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode media-stream envelope: %w", err)
	}
	switch EventKind(strings.TrimSpace(env.Event)) {
	case EventConnected:
		return Event{Kind: EventConnected}, nil
	case EventStart:
		if env.Start == nil || env.Start.StreamSID == "" {
			return Event{}, fmt.Errorf("start event missing streamSid")
		}
		return Event{Kind: EventStart, StreamSID: env.Start.StreamSID, CallSID: env.Start.CallSID}, nil
	case EventMedia:
		if env.Media == nil {
			return Event{}, fmt.Errorf("media event missing payload")
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("decode media payload: %w", err)
		}
		return Event{Kind: EventMedia, Audio: audio}, nil
	case EventStop:
		return Event{Kind: EventStop}, nil
	default:
		return Event{}, fmt.Errorf("unknown media-stream event %q", env.Event)
	}
}

type outboundMedia struct {
	Event     string               `json:"event"`
	StreamSID string               `json:"streamSid"`
	Media     outboundMediaPayload `json:"media"`
}

type outboundMediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

package realtime

import (
	"encoding/json"
	"fmt"
)

// Server event type strings as they appear on the data channel.
const (
	eventSessionCreated         = "session.created"
	eventSessionUpdated         = "session.updated"
	eventItemCreated            = "conversation.item.created"
	eventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	eventResponseCreated        = "response.created"
	eventAudioTranscriptDelta   = "response.audio_transcript.delta"
	eventTextDelta              = "response.text.delta"
	eventAudioTranscriptDone    = "response.audio_transcript.done"
	eventTextDone               = "response.text.done"
	eventSpeechStarted          = "input_audio_buffer.speech_started"
	eventSpeechStopped          = "input_audio_buffer.speech_stopped"
)

// ServerEvent is the closed set of inbound data-channel events this core
// understands. Everything else decodes to UnknownEvent so that additive
// protocol changes on the remote side never become errors here.
type ServerEvent interface {
	serverEvent()
}

// SessionSnapshotEvent covers session.created and session.updated. Some
// server versions attach a transcript here; when present it is surfaced as
// an immediate user turn.
type SessionSnapshotEvent struct {
	Updated    bool
	Transcript string
}

// ItemCreatedEvent is conversation.item.created.
type ItemCreatedEvent struct {
	ItemID     string
	Role       Role
	Transcript string
}

// TranscriptionCompletedEvent is the completed transcription of the user's
// input audio for one conversation item.
type TranscriptionCompletedEvent struct {
	ItemID     string
	Transcript string
}

// ResponseCreatedEvent announces a new in-flight assistant response.
type ResponseCreatedEvent struct {
	ResponseID string
}

// ResponseDeltaEvent is one streamed fragment of assistant output, from
// either response.audio_transcript.delta or response.text.delta.
type ResponseDeltaEvent struct {
	ResponseID string
	Delta      string
}

// ResponseDoneEvent closes the delta stream for a response.
type ResponseDoneEvent struct {
	ResponseID string
}

// SpeechActivityEvent reports the server-side voice activity detector
// opening or closing on the user's input audio.
type SpeechActivityEvent struct {
	Active bool
}

// UnknownEvent is any event type outside the handled taxonomy.
type UnknownEvent struct {
	Type string
}

func (SessionSnapshotEvent) serverEvent()        {}
func (ItemCreatedEvent) serverEvent()            {}
func (TranscriptionCompletedEvent) serverEvent() {}
func (ResponseCreatedEvent) serverEvent()        {}
func (ResponseDeltaEvent) serverEvent()          {}
func (ResponseDoneEvent) serverEvent()           {}
func (SpeechActivityEvent) serverEvent()         {}
func (UnknownEvent) serverEvent()                {}

// rawServerEvent is the superset of fields across all handled event types.
// Per-type shape differences are resolved in DecodeServerEvent.
type rawServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	ItemID     string `json:"item_id"`
	ResponseID string `json:"response_id"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Item struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Content []struct {
			Transcript string `json:"transcript"`
		} `json:"content"`
	} `json:"item"`
}

// DecodeServerEvent parses one raw data-channel message into its event
// variant. The only error case is malformed JSON or a missing type field;
// unrecognized types are valid and come back as UnknownEvent.
func DecodeServerEvent(raw []byte) (ServerEvent, error) {
	var ev rawServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("server event has no type field")
	}

	switch ev.Type {
	case eventSessionCreated, eventSessionUpdated:
		return SessionSnapshotEvent{
			Updated:    ev.Type == eventSessionUpdated,
			Transcript: ev.Transcript,
		}, nil
	case eventItemCreated:
		var transcript string
		if len(ev.Item.Content) > 0 {
			transcript = ev.Item.Content[0].Transcript
		}
		return ItemCreatedEvent{
			ItemID:     ev.Item.ID,
			Role:       Role(ev.Item.Role),
			Transcript: transcript,
		}, nil
	case eventTranscriptionCompleted:
		return TranscriptionCompletedEvent{
			ItemID:     ev.ItemID,
			Transcript: ev.Transcript,
		}, nil
	case eventResponseCreated:
		return ResponseCreatedEvent{ResponseID: ev.Response.ID}, nil
	case eventAudioTranscriptDelta, eventTextDelta:
		return ResponseDeltaEvent{ResponseID: ev.ResponseID, Delta: ev.Delta}, nil
	case eventAudioTranscriptDone, eventTextDone:
		return ResponseDoneEvent{ResponseID: ev.ResponseID}, nil
	case eventSpeechStarted:
		return SpeechActivityEvent{Active: true}, nil
	case eventSpeechStopped:
		return SpeechActivityEvent{Active: false}, nil
	default:
		return UnknownEvent{Type: ev.Type}, nil
	}
}

package realtime

import "encoding/json"

// sessionUpdate is the one outbound control message this core sends: it
// reconfigures the remote session's instructions and input transcription.
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Instructions            string               `json:"instructions"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// encodeSessionUpdate builds the session.update payload. transcriptionModel
// is only attached on the initial configuration message; instruction-only
// updates leave the transcription setting untouched.
func encodeSessionUpdate(instructions, transcriptionModel string) ([]byte, error) {
	msg := sessionUpdate{
		Type:    "session.update",
		Session: sessionConfig{Instructions: instructions},
	}
	if transcriptionModel != "" {
		msg.Session.InputAudioTranscription = &transcriptionConfig{Model: transcriptionModel}
	}
	return json.Marshal(msg)
}

package realtime

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// assistantStampLead is added to an assistant turn's timestamp at
// response.created time. User turns are stamped at emission, so an
// assistant completion that lands next to the user turn that prompted it
// sorts after it. The value is an ordering bias, not a protocol constant:
// ties resolve assistant-after-user.
const assistantStampLead = 100 * time.Millisecond

// Decoder folds the inbound event stream into completed turns and
// speech-activity changes. Events must be handed to it in arrival order;
// delta accumulation depends on sequential application.
type Decoder struct {
	onTurn   func(Turn)
	onSpeech func(bool)

	mu      sync.Mutex
	pending *pendingResponse
	now     func() time.Time
}

// pendingResponse accumulates streamed fragments for one in-flight
// assistant response. It is flushed on the done event and discarded, never
// flushed, when the session resets mid-response.
type pendingResponse struct {
	responseID string
	buf        strings.Builder
	stampedAt  time.Time
}

func NewDecoder(onTurn func(Turn), onSpeech func(bool)) *Decoder {
	return &Decoder{
		onTurn:   onTurn,
		onSpeech: onSpeech,
		now:      time.Now,
	}
}

// HandleRaw decodes and folds one raw data-channel message. Malformed
// payloads are logged and dropped; the inbound protocol may evolve and a
// message this core cannot read is not a session error.
func (d *Decoder) HandleRaw(data []byte) {
	ev, err := DecodeServerEvent(data)
	if err != nil {
		log.Printf("realtime: dropping undecodable event: %v", err)
		return
	}
	d.Handle(ev)
}

// Handle applies one decoded event.
func (d *Decoder) Handle(ev ServerEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev := ev.(type) {
	case SessionSnapshotEvent:
		// Legacy path: some server variants attach a transcript directly to
		// the session snapshot, with no done event to wait for. Emitted
		// as observed, immediately and unaccumulated.
		d.emitUserTurn("legacy-"+uuid.NewString(), ev.Transcript)
	case ItemCreatedEvent:
		if ev.Role != RoleUser {
			return
		}
		d.emitUserTurn("user-"+ev.ItemID, ev.Transcript)
	case TranscriptionCompletedEvent:
		d.emitUserTurn("user-"+ev.ItemID, ev.Transcript)
	case ResponseCreatedEvent:
		d.pending = &pendingResponse{
			responseID: ev.ResponseID,
			stampedAt:  d.now().Add(assistantStampLead),
		}
	case ResponseDeltaEvent:
		if d.pending == nil || d.pending.responseID != ev.ResponseID {
			// Stray delta: arrived before response.created or after a reset
			// cleared the accumulator. Dropped without error.
			return
		}
		d.pending.buf.WriteString(ev.Delta)
	case ResponseDoneEvent:
		if d.pending == nil {
			return
		}
		if ev.ResponseID != "" && ev.ResponseID != d.pending.responseID {
			return
		}
		text := strings.TrimSpace(d.pending.buf.String())
		if text != "" && d.onTurn != nil {
			d.onTurn(Turn{
				ID:        d.pending.responseID,
				Role:      RoleAssistant,
				Text:      text,
				Timestamp: d.pending.stampedAt,
			})
		}
		d.pending = nil
	case SpeechActivityEvent:
		if d.onSpeech != nil {
			d.onSpeech(ev.Active)
		}
	case UnknownEvent:
		log.Printf("realtime: ignoring unhandled event type %q", ev.Type)
	}
}

// Reset discards any in-flight accumulator. Called on disconnect so a
// stray delta for the old response can never produce a turn later.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
}

// emitUserTurn stamps and delivers a completed user turn. Whitespace-only
// transcripts are never surfaced. Caller holds d.mu.
func (d *Decoder) emitUserTurn(id, transcript string) {
	text := strings.TrimSpace(transcript)
	if text == "" || d.onTurn == nil {
		return
	}
	d.onTurn(Turn{
		ID:        id,
		Role:      RoleUser,
		Text:      text,
		Timestamp: d.now(),
	})
}

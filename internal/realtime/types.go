package realtime

import "time"

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one complete utterance surfaced to the caller. Turns carry a
// comparable timestamp; consumers order by it, not by arrival, because
// assistant and user completions can interleave on the wire.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the connection state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

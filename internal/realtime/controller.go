package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/rodrigowf/qhch-voice/internal/media"
)

// Callbacks is the caller-facing notification surface of a session. All
// fields are optional. Callbacks fire outside the controller's lock, in
// the order the underlying events arrived.
type Callbacks struct {
	// OnStatus fires on every connection-state transition.
	OnStatus func(State)
	// OnSpeech fires when server-side speech activity starts or stops, and
	// with false when the session goes back to idle.
	OnSpeech func(active bool)
	// OnTurn delivers each completed turn. Turns carry comparable
	// timestamps; consumers sort by them before rendering.
	OnTurn func(Turn)
	// OnRemoteTrack fires once the remote audio track arrives, for
	// attaching a playback sink.
	OnRemoteTrack func(*webrtc.TrackRemote)
	// OnError surfaces an asynchronous transport failure. The state
	// transition to idle is reported through OnStatus either way.
	OnError func(error)
}

// Controller owns one realtime voice session: connection lifecycle,
// instruction hot-reload, and idempotent teardown on every exit path. At
// most one transport connection is alive at any time; reconnecting tears
// the prior one down first.
type Controller struct {
	transport          Transport
	transcriptionModel string
	callbacks          Callbacks
	decoder            *Decoder

	mu            sync.Mutex
	state         State
	instructions  string
	conn          TransportConn
	cancelConnect context.CancelFunc
	gen           int
}

// NewController wires a controller to its transport. transcriptionModel
// is sent in the initial configuration message; empty selects whisper-1.
func NewController(transport Transport, transcriptionModel string, callbacks Callbacks) *Controller {
	if transcriptionModel == "" {
		transcriptionModel = "whisper-1"
	}
	c := &Controller{
		transport:          transport,
		transcriptionModel: transcriptionModel,
		callbacks:          callbacks,
		state:              StateIdle,
	}
	c.decoder = NewDecoder(callbacks.OnTurn, callbacks.OnSpeech)
	return c
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Instructions returns the instructions currently applied to the session.
func (c *Controller) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// Connect negotiates the transport and pushes the initial configuration.
// A Connect while another is pending is rejected; a Connect while already
// connected tears the prior connection down first. On failure the
// controller is back at idle with nothing left behind.
func (c *Controller) Connect(ctx context.Context, credential, instructions string, stream *media.Stream) error {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	if c.conn != nil {
		c.teardownLocked()
	}
	connectCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	defer cancel()

	c.notifyStatus(StateConnecting)

	conn, err := c.transport.Open(connectCtx, credential, stream, TransportHooks{
		OnMessage:     c.decoder.HandleRaw,
		OnRemoteTrack: c.callbacks.OnRemoteTrack,
		OnDisconnect:  func(cause error) { c.transportDown(gen, cause) },
	})
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateIdle
			c.cancelConnect = nil
		}
		c.mu.Unlock()
		c.notifyStatus(StateIdle)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnect won the race; the session is already idle.
		c.mu.Unlock()
		conn.Close()
		return context.Canceled
	}

	payload, err := encodeSessionUpdate(instructions, c.transcriptionModel)
	if err == nil {
		err = conn.SendControlMessage(payload)
	}
	if err != nil {
		c.state = StateIdle
		c.cancelConnect = nil
		c.mu.Unlock()
		conn.Close()
		c.notifyStatus(StateIdle)
		return fmt.Errorf("send initial session config: %w", err)
	}

	c.conn = conn
	c.instructions = instructions
	c.state = StateConnected
	c.cancelConnect = nil
	c.mu.Unlock()

	c.notifyStatus(StateConnected)
	return nil
}

// UpdateInstructions swaps the session's instructions. Sending the value
// already applied is a no-op; no redundant control message goes out. A
// send failure leaves the session connected with its previous value.
func (c *Controller) UpdateInstructions(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}
	if text == c.instructions {
		return nil
	}
	payload, err := encodeSessionUpdate(text, "")
	if err != nil {
		return err
	}
	if err := c.conn.SendControlMessage(payload); err != nil {
		return err
	}
	c.instructions = text
	return nil
}

// Disconnect tears the session down. Idempotent: calling it while already
// idle is a safe no-op with no observable side effect. It also aborts an
// in-flight negotiation.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	if c.state == StateIdle && c.conn == nil {
		c.gen++
		c.mu.Unlock()
		return
	}
	c.gen++
	c.teardownLocked()
	c.mu.Unlock()

	c.notifySpeech(false)
	c.notifyStatus(StateIdle)
}

// transportDown handles an asynchronous failure notification from the
// transport. Stale notifications from a generation that was already torn
// down are ignored.
func (c *Controller) transportDown(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	log.Printf("realtime: transport disconnected: %v", cause)
	c.notifySpeech(false)
	c.notifyStatus(StateIdle)
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(fmt.Errorf("%w: %v", ErrTransportDisconnected, cause))
	}
}

// teardownLocked releases the transport handle and clears session state.
// Caller holds c.mu.
func (c *Controller) teardownLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.decoder.Reset()
	c.instructions = ""
	c.state = StateIdle
}

func (c *Controller) notifyStatus(s State) {
	if c.callbacks.OnStatus != nil {
		c.callbacks.OnStatus(s)
	}
}

func (c *Controller) notifySpeech(active bool) {
	if c.callbacks.OnSpeech != nil {
		c.callbacks.OnSpeech(active)
	}
}

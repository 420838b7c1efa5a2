package realtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rodrigowf/qhch-voice/internal/media"
)

const dataChannelLabel = "oai-events"

// TransportHooks are the callbacks a transport connection feeds. One
// consumer each; they are wired by the session controller, not exposed as
// a subscriber API.
type TransportHooks struct {
	// OnMessage receives every inbound data-channel message in arrival
	// order. Guaranteed not to fire after Close returns.
	OnMessage func(data []byte)
	// OnRemoteTrack fires when the negotiated remote audio track arrives.
	OnRemoteTrack func(track *webrtc.TrackRemote)
	// OnDisconnect fires at most once when the transport fails after a
	// successful open. It never fires for a caller-initiated Close.
	OnDisconnect func(err error)
}

// TransportConn is one live negotiated connection.
type TransportConn interface {
	// SendControlMessage writes one JSON payload on the data channel. It is
	// a silent no-op when the channel is not open; the caller owns
	// sequencing after open.
	SendControlMessage(payload []byte) error
	// Close tears the connection down. Idempotent; safe on a half-built
	// or already-closed connection.
	Close()
}

// Transport establishes realtime connections. The production implementation
// is WebRTCTransport; tests substitute their own.
type Transport interface {
	Open(ctx context.Context, credential string, stream *media.Stream, hooks TransportHooks) (TransportConn, error)
}

// WebRTCConfig parameterizes the signaling exchange.
type WebRTCConfig struct {
	// BaseURL of the realtime endpoint, e.g. https://api.openai.com/v1/realtime.
	BaseURL string
	// Model is sent as the model query parameter on the SDP exchange.
	Model string
	// ICEServers defaults to Google's public STUN pair when empty.
	ICEServers []string
	// HTTPClient defaults to a client with a 30s overall timeout.
	HTTPClient *http.Client
}

// WebRTCTransport negotiates a peer connection with the realtime endpoint:
// local audio track out, remote audio track in, and the oai-events data
// channel for the JSON control/event stream.
type WebRTCTransport struct {
	cfg WebRTCConfig
}

func NewWebRTCTransport(cfg WebRTCConfig) *WebRTCTransport {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1/realtime"
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebRTCTransport{cfg: cfg}
}

// Open performs the full negotiation and returns once both the peer
// connection and the data channel are usable. Any failure fully unwinds
// the partially-built connection before returning. Cancelling ctx aborts a
// hanging negotiation and cleans up the same way.
func (t *WebRTCTransport) Open(ctx context.Context, credential string, stream *media.Stream, hooks TransportHooks) (TransportConn, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrEmptyCredential
	}
	if stream == nil || !stream.Active() {
		return nil, ErrStreamInactive
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:   []webrtc.ICEServer{{URLs: t.cfg.ICEServers}},
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, &NegotiationError{Err: fmt.Errorf("create peer connection: %w", err)}
	}

	conn := &webrtcConn{pc: pc, hooks: hooks}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		conn.mu.RLock()
		cb := conn.hooks.OnRemoteTrack
		closed := conn.closed
		conn.mu.RUnlock()
		if !closed && cb != nil {
			cb(track)
		}
	})

	if _, err := pc.AddTrack(stream.Track()); err != nil {
		conn.Close()
		return nil, &NegotiationError{Err: fmt.Errorf("attach local track: %w", err)}
	}

	ordered := true
	maxRetransmits := uint16(3)
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		conn.Close()
		return nil, &NegotiationError{Err: fmt.Errorf("create data channel: %w", err)}
	}
	conn.dc = dc

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		conn.mu.RLock()
		defer conn.mu.RUnlock()
		if conn.closed || conn.hooks.OnMessage == nil {
			return
		}
		conn.hooks.OnMessage(msg.Data)
	})

	failed := make(chan struct{})
	var failOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			failOnce.Do(func() { close(failed) })
			conn.reportDisconnect(fmt.Errorf("peer connection %s", state))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		conn.Close()
		return nil, &NegotiationError{Err: fmt.Errorf("create offer: %w", err)}
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		conn.Close()
		return nil, &NegotiationError{Err: fmt.Errorf("set local description: %w", err)}
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	answer, err := t.exchangeSDP(ctx, credential, pc.LocalDescription().SDP)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		conn.Close()
		return nil, &NegotiationError{Err: fmt.Errorf("apply remote description: %w", err)}
	}

	// Control messages may only flow once the channel reports open.
	select {
	case <-opened:
	case <-failed:
		conn.Close()
		return nil, &NegotiationError{Err: fmt.Errorf("connection failed before data channel opened")}
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	return conn, nil
}

func (t *WebRTCTransport) exchangeSDP(ctx context.Context, credential, offerSDP string) (string, error) {
	endpoint := t.cfg.BaseURL
	if strings.TrimSpace(t.cfg.Model) != "" {
		endpoint += "?model=" + url.QueryEscape(t.cfg.Model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", &NegotiationError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("sdp exchange: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("read sdp answer: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &NegotiationError{Status: resp.StatusCode}
	}
	if strings.TrimSpace(string(body)) == "" {
		return "", &NegotiationError{Err: fmt.Errorf("empty sdp answer")}
	}
	return string(body), nil
}

type webrtcConn struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	hooks TransportHooks

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	discOnce  sync.Once
}

func (c *webrtcConn) SendControlMessage(payload []byte) error {
	c.mu.RLock()
	dc := c.dc
	closed := c.closed
	c.mu.RUnlock()
	if closed || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		log.Printf("realtime: dropped control message, data channel not open")
		return nil
	}
	return dc.SendText(string(payload))
}

func (c *webrtcConn) Close() {
	c.closeOnce.Do(func() {
		// Taking the write lock here means any in-flight OnMessage callback
		// completes before Close returns, and none fire afterwards.
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		// Suppress the disconnect notification for caller-initiated close.
		c.discOnce.Do(func() {})

		if c.dc != nil {
			_ = c.dc.Close()
		}
		if c.pc != nil {
			_ = c.pc.Close()
		}
	})
}

func (c *webrtcConn) reportDisconnect(err error) {
	c.mu.RLock()
	closed := c.closed
	cb := c.hooks.OnDisconnect
	c.mu.RUnlock()
	if closed {
		return
	}
	c.discOnce.Do(func() {
		if cb != nil {
			cb(err)
		}
	})
}

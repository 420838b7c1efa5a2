package voice

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"log"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rodrigowf/qhch-voice/internal/audiolevel"
	"github.com/rodrigowf/qhch-voice/internal/config"
	"github.com/rodrigowf/qhch-voice/internal/media"
	"github.com/rodrigowf/qhch-voice/internal/observability"
	"github.com/rodrigowf/qhch-voice/internal/policy"
	"github.com/rodrigowf/qhch-voice/internal/protocol"
	"github.com/rodrigowf/qhch-voice/internal/realtime"
	"github.com/rodrigowf/qhch-voice/internal/session"
)

// Orchestrator binds one websocket connection to one upstream realtime
// session. It owns the mic stream, the session controller, and the
// level monitor for the lifetime of the connection.
type Orchestrator struct {
	cfg       config.Config
	transport realtime.Transport
	metrics   *observability.Metrics
	latency   *observability.LatencyWindow
}

func NewOrchestrator(cfg config.Config, transport realtime.Transport, metrics *observability.Metrics, latency *observability.LatencyWindow) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
		latency:   latency,
	}
}

type connState struct {
	o         *Orchestrator
	sessionID string
	outbound  chan<- any

	ctrl    *realtime.Controller
	stream  *media.Stream
	monitor *audiolevel.Monitor
}

// RunConnection drives one websocket connection until the inbound
// channel closes or ctx is cancelled. The upstream session, if any, is
// torn down before returning.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	conn := &connState{o: o, sessionID: sess.ID, outbound: outbound}
	defer conn.teardown()

	interval := o.cfg.LevelInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if conn.monitor != nil {
				conn.send(protocol.AudioLevel{
					Type:      protocol.TypeAudioLevel,
					SessionID: conn.sessionID,
					Level:     conn.monitor.Level(),
				})
			}
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			o.handle(ctx, sess, conn, msg)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, sess *session.Session, conn *connState, msg any) {
	switch m := msg.(type) {
	case protocol.Connect:
		o.handleConnect(ctx, sess, conn, m)
	case protocol.Disconnect:
		if conn.ctrl != nil {
			conn.ctrl.Disconnect()
		}
	case protocol.UpdateInstructions:
		o.handleUpdateInstructions(conn, m)
	case protocol.ClientAudioChunk:
		o.handleAudioChunk(conn, m)
	default:
		log.Printf("voice: session %s: unhandled inbound message %T", conn.sessionID, msg)
	}
}

func (o *Orchestrator) handleConnect(ctx context.Context, sess *session.Session, conn *connState, msg protocol.Connect) {
	credential := strings.TrimSpace(msg.APIKey)
	if credential == "" {
		credential = o.cfg.OpenAIAPIKey
	}
	instructions := msg.Instructions
	if instructions == "" {
		instructions = sess.Instructions
	}
	if instructions == "" {
		instructions = o.cfg.DefaultInstructions
	}

	if conn.stream == nil || !conn.stream.Active() {
		stream, err := media.NewStream(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  1,
		}, o.cfg.AudioSampleRate, "mic-"+conn.sessionID)
		if err != nil {
			conn.sendError("stream_setup_failed", false, err.Error())
			return
		}
		conn.stream = stream
		conn.monitor = audiolevel.Start(stream)
	}

	if conn.ctrl == nil {
		conn.ctrl = realtime.NewController(o.transport, o.cfg.TranscriptionModel, o.callbacksFor(conn))
	}

	ctrl, stream := conn.ctrl, conn.stream
	start := time.Now()
	go func() {
		if err := ctrl.Connect(ctx, credential, instructions, stream); err != nil {
			o.metrics.ConnectAttempts.WithLabelValues("error").Inc()
			conn.sendError("connect_failed", realtime.Retryable(err), err.Error())
			return
		}
		o.metrics.ConnectAttempts.WithLabelValues("ok").Inc()
		o.metrics.ObserveConnectLatency(time.Since(start))
		o.latency.Observe("connect_total", float64(time.Since(start).Milliseconds()))
	}()
}

func (o *Orchestrator) handleUpdateInstructions(conn *connState, msg protocol.UpdateInstructions) {
	if conn.ctrl == nil {
		conn.sendError("not_connected", false, "no session to update")
		return
	}
	if err := conn.ctrl.UpdateInstructions(msg.Instructions); err != nil {
		conn.sendError("update_instructions_failed", realtime.Retryable(err), err.Error())
	}
}

func (o *Orchestrator) handleAudioChunk(conn *connState, msg protocol.ClientAudioChunk) {
	if conn.stream == nil || !conn.stream.Active() {
		conn.sendError("no_active_stream", false, "audio before connect is dropped")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
	if err != nil {
		conn.sendError("invalid_audio_chunk", false, err.Error())
		return
	}
	frame := media.Frame{
		PCM:        pcm16FromBytes(raw),
		SampleRate: msg.SampleRate,
	}
	if err := conn.stream.WriteFrame(frame); err != nil {
		conn.sendError("stream_write_failed", false, err.Error())
	}
}

func (o *Orchestrator) callbacksFor(conn *connState) realtime.Callbacks {
	return realtime.Callbacks{
		OnStatus: func(state realtime.State) {
			conn.send(protocol.Status{
				Type:      protocol.TypeStatus,
				SessionID: conn.sessionID,
				Status:    string(state),
			})
		},
		OnSpeech: func(active bool) {
			if active {
				o.latency.ObserveIndicator("speech_started")
			}
			conn.send(protocol.SpeechActivity{
				Type:      protocol.TypeSpeechActivity,
				SessionID: conn.sessionID,
				Active:    active,
			})
		},
		OnTurn: func(t realtime.Turn) {
			o.metrics.Turns.WithLabelValues(string(t.Role)).Inc()
			conn.send(protocol.Turn{
				Type:      protocol.TypeTurn,
				SessionID: conn.sessionID,
				TurnID:    t.ID,
				Role:      string(t.Role),
				Text:      t.Text,
				Timestamp: t.Timestamp,
			})
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			go drainRemoteTrack(conn.sessionID, track)
		},
		OnError: func(err error) {
			conn.sendError("realtime_error", realtime.Retryable(err), err.Error())
		},
	}
}

// drainRemoteTrack keeps the assistant audio flowing. Playback is the
// browser's job; the gateway only has to consume the RTP stream so the
// receiver does not stall.
func drainRemoteTrack(sessionID string, track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			log.Printf("voice: session %s: remote track closed: %v", sessionID, err)
			return
		}
	}
}

func (c *connState) send(msg any) {
	msgType := "unknown"
	if t, ok := protocolTypeOf(msg); ok {
		msgType = string(t)
	}
	select {
	case c.outbound <- msg:
		c.o.metrics.ObserveOutboundMessage(msgType, "queued")
	default:
		// Writes stay single-threaded on the websocket; a saturated
		// outbound queue loses the message rather than stalling media.
		c.o.metrics.ObserveOutboundMessage(msgType, "drop_full")
	}
}

func (c *connState) sendError(code string, retryable bool, detail string) {
	detail, _ = policy.RedactSecrets(detail)
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	})
}

func (c *connState) teardown() {
	if c.ctrl != nil {
		c.ctrl.Disconnect()
	}
	if c.monitor != nil {
		c.monitor.Stop()
	}
	if c.stream != nil {
		_ = c.stream.Close()
	}
}

func protocolTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Status:
		return m.Type, true
	case protocol.SpeechActivity:
		return m.Type, true
	case protocol.Turn:
		return m.Type, true
	case protocol.AudioLevel:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

func pcm16FromBytes(raw []byte) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return samples
}

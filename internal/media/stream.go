// Package media models one local capture stream: an RTP-ready outbound
// track plus read-only PCM taps for local analysis. The stream is created
// per session and injected into whatever consumes it; there is no shared
// process-wide microphone handle.
package media

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrStreamClosed = errors.New("media stream is closed")

// Frame is one chunk of captured audio. PCM carries the decoded mono
// samples used for analysis; Payload carries the encoded bytes written to
// the outbound track. A capture source that produces raw PCM only may leave
// Payload nil and the PCM bytes are sent as-is.
type Frame struct {
	PCM        []int16
	Payload    []byte
	SampleRate int
	Duration   time.Duration
}

// Stream fans captured frames out to the outbound WebRTC track and to any
// registered taps. Taps are read-only consumers; none of them may stop the
// stream, only the owner that created it closes it.
type Stream struct {
	track      *webrtc.TrackLocalStaticSample
	sampleRate int

	mu      sync.Mutex
	taps    map[int]chan Frame
	nextTap int
	closed  bool
}

// NewStream builds a stream whose outbound track advertises the given
// codec capability. Capture sources are expected to deliver frames already
// encoded to match it.
func NewStream(codec webrtc.RTPCodecCapability, sampleRate int, streamID string) (*Stream, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, "audio", streamID)
	if err != nil {
		return nil, err
	}
	return &Stream{
		track:      track,
		sampleRate: sampleRate,
		taps:       make(map[int]chan Frame),
	}, nil
}

// Track is the local track the signaling transport attaches to its peer
// connection.
func (s *Stream) Track() webrtc.TrackLocal { return s.track }

func (s *Stream) SampleRate() int { return s.sampleRate }

// Active reports whether the stream still accepts frames.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// WriteFrame pushes one captured frame to the track and every tap. Taps
// that cannot keep up lose frames rather than stalling capture.
func (s *Stream) WriteFrame(f Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	taps := make([]chan Frame, 0, len(s.taps))
	for _, ch := range s.taps {
		taps = append(taps, ch)
	}
	s.mu.Unlock()

	if f.SampleRate <= 0 {
		f.SampleRate = s.sampleRate
	}
	if f.Duration <= 0 && len(f.PCM) > 0 {
		f.Duration = time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
	}

	payload := f.Payload
	if payload == nil && len(f.PCM) > 0 {
		payload = pcm16Bytes(f.PCM)
	}
	if len(payload) > 0 {
		if err := s.track.WriteSample(media.Sample{Data: payload, Duration: f.Duration}); err != nil {
			return err
		}
	}

	for _, ch := range taps {
		select {
		case ch <- f:
		default:
		}
	}
	return nil
}

// Tap registers a read-only consumer of captured frames. The returned
// cancel releases only this tap and is safe to call more than once or
// after Close.
func (s *Stream) Tap(buffer int) (<-chan Frame, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Frame, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextTap
	s.nextTap++
	s.taps[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if tap, ok := s.taps[id]; ok {
			delete(s.taps, id)
			close(tap)
		}
	}
	return ch, cancel
}

// Close stops the stream and releases every tap. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, ch := range s.taps {
		delete(s.taps, id)
		close(ch)
	}
	return nil
}

func pcm16Bytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		out[2*i] = byte(v)
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

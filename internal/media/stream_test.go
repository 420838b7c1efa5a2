package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	s, err := NewStream(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, 16000, "mic")
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	return s
}

func TestStreamFansOutToTaps(t *testing.T) {
	s := newTestStream(t)
	defer s.Close()

	frames, cancel := s.Tap(4)
	defer cancel()

	if err := s.WriteFrame(Frame{PCM: []int16{100, -100, 200}}); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	select {
	case f := <-frames:
		if len(f.PCM) != 3 {
			t.Fatalf("tap frame PCM length = %d, want 3", len(f.PCM))
		}
		if f.SampleRate != 16000 {
			t.Fatalf("tap frame SampleRate = %d, want stream default 16000", f.SampleRate)
		}
	default:
		t.Fatalf("tap received no frame")
	}
}

func TestStreamSlowTapLosesFramesWithoutBlocking(t *testing.T) {
	s := newTestStream(t)
	defer s.Close()

	frames, cancel := s.Tap(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := s.WriteFrame(Frame{PCM: []int16{int16(i)}}); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	// Only the first frame fits the buffer; capture never stalled.
	if got := len(frames); got != 1 {
		t.Fatalf("buffered frames = %d, want 1", got)
	}
}

func TestStreamCloseIdempotentAndReleasesTaps(t *testing.T) {
	s := newTestStream(t)
	frames, cancel := s.Tap(2)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if s.Active() {
		t.Fatalf("Active() = true after Close")
	}
	if _, open := <-frames; open {
		t.Fatalf("tap channel still open after Close")
	}
	// Cancel after Close must not panic or double-close.
	cancel()
	cancel()

	if err := s.WriteFrame(Frame{PCM: []int16{1}}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("WriteFrame() after Close error = %v, want ErrStreamClosed", err)
	}
}

func TestTapCancelOnlyReleasesThatTap(t *testing.T) {
	s := newTestStream(t)
	defer s.Close()

	first, cancelFirst := s.Tap(2)
	second, cancelSecond := s.Tap(2)
	defer cancelSecond()

	cancelFirst()
	if _, open := <-first; open {
		t.Fatalf("cancelled tap channel still open")
	}

	if err := s.WriteFrame(Frame{PCM: []int16{7}}); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if got := len(second); got != 1 {
		t.Fatalf("surviving tap frames = %d, want 1", got)
	}
}

func TestPCM16Bytes(t *testing.T) {
	got := pcm16Bytes([]int16{0x0102, -2})
	want := []byte{0x02, 0x01, 0xfe, 0xff}
	if len(got) != len(want) {
		t.Fatalf("pcm16Bytes length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pcm16Bytes = %v, want %v", got, want)
		}
	}
}

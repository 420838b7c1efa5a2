// Package audiolevel turns the local capture stream into a live, normalized
// microphone level for UI feedback. Its lifecycle is tied to the stream it
// taps, not to the voice session: a dead stream ends the monitor quietly
// and never disturbs the session itself.
package audiolevel

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/rodrigowf/qhch-voice/internal/media"
)

// Monitor samples PCM frames from one stream tap and keeps the latest
// normalized [0,1] amplitude.
type Monitor struct {
	level     atomic.Uint64
	cancelTap func()
	done      chan struct{}
	stopOnce  sync.Once
}

// Start attaches a tap to the stream and begins sampling. One level value
// is computed per captured frame, the Go analogue of sampling an analyser
// node once per animation frame.
func Start(stream *media.Stream) *Monitor {
	frames, cancel := stream.Tap(8)
	m := &Monitor{
		cancelTap: cancel,
		done:      make(chan struct{}),
	}
	go m.run(frames)
	return m
}

func (m *Monitor) run(frames <-chan media.Frame) {
	defer close(m.done)
	for f := range frames {
		m.level.Store(math.Float64bits(meanAmplitude(f.PCM)))
	}
	// Stream closed underneath us; report silence from here on.
	m.level.Store(0)
}

// Level returns the most recently computed level in [0,1].
func (m *Monitor) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Stop halts sampling and releases the tap. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancelTap()
		<-m.done
	})
}

// meanAmplitude is the mean absolute sample value scaled to [0,1]. Matches
// the averaged-bin level the browser client derived from its analyser.
func meanAmplitude(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		sum += math.Abs(float64(v))
	}
	level := sum / float64(len(pcm)) / 32768
	if level > 1 {
		level = 1
	}
	return level
}

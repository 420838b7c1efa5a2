package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/rodrigowf/qhch-voice/internal/audio"
	"github.com/rodrigowf/qhch-voice/internal/audiolevel"
	"github.com/rodrigowf/qhch-voice/internal/media"
	"github.com/rodrigowf/qhch-voice/internal/realtime"
)

// rtprobe drives one realtime session end to end without the gateway:
// a WAV file stands in for the microphone, turns print to stdout, and
// the remote RTP stream is inspected instead of played.

type options struct {
	wavPath      string
	apiKey       string
	instructions string
	chunkMS      int
	pace         float64
	wait         time.Duration
	recordPath   string
	verbose      bool
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var waitMS int

	flag.StringVar(&cfg.wavPath, "wav", "", "PCM16LE mono WAV file used as the mic source (required)")
	flag.StringVar(&cfg.apiKey, "api-key", "", "OpenAI API key (defaults to OPENAI_API_KEY)")
	flag.StringVar(&cfg.instructions, "instructions", "Reply in one short sentence.", "session instructions")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.pace, "pace", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&waitMS, "wait-ms", 15000, "time to wait for the assistant after the file ends, in milliseconds")
	flag.StringVar(&cfg.recordPath, "record", "", "optional WAV path capturing what went out on the mic stream")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	if strings.TrimSpace(cfg.wavPath) == "" {
		return options{}, fmt.Errorf("wav is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.pace <= 0 {
		return options{}, fmt.Errorf("pace must be > 0")
	}
	if cfg.apiKey == "" {
		cfg.apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if cfg.apiKey == "" {
		return options{}, fmt.Errorf("api-key is required (flag or OPENAI_API_KEY)")
	}
	cfg.wait = time.Duration(waitMS) * time.Millisecond
	return cfg, nil
}

type rtpStats struct {
	mu      sync.Mutex
	packets int
	bytes   int
}

func (s *rtpStats) observe(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	s.bytes += len(pkt.Payload)
}

func (s *rtpStats) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.bytes
}

func run(cfg options) error {
	pcmBytes, sampleRate, err := audio.ReadWAVPCM16LEFile(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", cfg.wavPath, err)
	}
	samples := samplesFromPCM16LE(pcmBytes)
	if cfg.verbose {
		fmt.Printf("loaded %s: %d samples at %d Hz\n", cfg.wavPath, len(samples), sampleRate)
	}

	stream, err := media.NewStream(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, sampleRate, "rtprobe-mic")
	if err != nil {
		return err
	}
	defer stream.Close()

	monitor := audiolevel.Start(stream)
	defer monitor.Stop()

	var recorded []int16
	recordDone := make(chan struct{})
	if cfg.recordPath != "" {
		frames, cancelTap := stream.Tap(64)
		defer cancelTap()
		go func() {
			defer close(recordDone)
			for f := range frames {
				recorded = append(recorded, f.PCM...)
			}
		}()
	} else {
		close(recordDone)
	}

	var (
		turnsMu sync.Mutex
		turns   []realtime.Turn
	)
	stats := &rtpStats{}

	ctrl := realtime.NewController(realtime.NewWebRTCTransport(realtime.WebRTCConfig{}), "whisper-1", realtime.Callbacks{
		OnStatus: func(state realtime.State) {
			if cfg.verbose {
				fmt.Printf("status: %s\n", state)
			}
		},
		OnSpeech: func(active bool) {
			if cfg.verbose {
				fmt.Printf("speech active: %v\n", active)
			}
		},
		OnTurn: func(t realtime.Turn) {
			turnsMu.Lock()
			turns = append(turns, t)
			turnsMu.Unlock()
			fmt.Printf("[%s] %s: %s\n", t.Timestamp.Format("15:04:05.000"), t.Role, t.Text)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			go readRemote(track, stats)
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "rtprobe: session error: %v\n", err)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Connect(ctx, cfg.apiKey, cfg.instructions, stream); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ctrl.Disconnect()

	chunkSamples := sampleRate * cfg.chunkMS / 1000
	chunkSleep := time.Duration(float64(cfg.chunkMS)/cfg.pace) * time.Millisecond
	lastReport := time.Now()
	for off := 0; off < len(samples); off += chunkSamples {
		end := off + chunkSamples
		if end > len(samples) {
			end = len(samples)
		}
		if err := stream.WriteFrame(media.Frame{PCM: samples[off:end]}); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if cfg.verbose && time.Since(lastReport) > 500*time.Millisecond {
			fmt.Printf("mic level: %.2f\n", monitor.Level())
			lastReport = time.Now()
		}
		time.Sleep(chunkSleep)
	}
	if cfg.verbose {
		fmt.Printf("file fed; waiting %s for the assistant\n", cfg.wait)
	}
	time.Sleep(cfg.wait)

	ctrl.Disconnect()
	_ = stream.Close()
	<-recordDone

	if cfg.recordPath != "" {
		raw := make([]byte, len(recorded)*2)
		for i, s := range recorded {
			binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
		}
		if err := audio.WriteWAVPCM16LEFile(cfg.recordPath, raw, sampleRate); err != nil {
			return fmt.Errorf("write record file: %w", err)
		}
		fmt.Printf("mic capture written to %s\n", cfg.recordPath)
	}

	turnsMu.Lock()
	sort.Slice(turns, func(i, j int) bool { return turns[i].Timestamp.Before(turns[j].Timestamp) })
	fmt.Printf("\ntranscript (%d turns):\n", len(turns))
	for _, t := range turns {
		fmt.Printf("  %-9s %s\n", t.Role, t.Text)
	}
	turnsMu.Unlock()

	packets, bytes := stats.snapshot()
	fmt.Printf("remote audio: %d RTP packets, %d payload bytes\n", packets, bytes)
	return nil
}

func samplesFromPCM16LE(raw []byte) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return samples
}

func readRemote(track *webrtc.TrackRemote, stats *rtpStats) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		stats.observe(&pkt)
	}
}

package app

import (
	"fmt"
	"testing"
	"time"

	"github.com/rodrigowf/qhch-voice/internal/config"
)

func TestBuildWiresServiceGraph(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:         fmt.Sprintf("app_test_%d", time.Now().UnixNano()),
		SessionInactivityTimeout: 2 * time.Minute,
		RealtimeModel:            "gpt-4o-realtime-preview-2024-12-17",
		TranscriptionModel:       "whisper-1",
		AudioSampleRate:          16000,
		LevelInterval:            100 * time.Millisecond,
	}

	res := Build(cfg)
	if res.API == nil || res.Sessions == nil || res.Orchestrator == nil {
		t.Fatalf("Build() left components nil: %+v", res)
	}
	if res.Metrics == nil || res.Latency == nil {
		t.Fatalf("Build() left observability nil")
	}
	if res.Sessions.ActiveCount() != 0 {
		t.Fatalf("fresh manager ActiveCount() = %d, want 0", res.Sessions.ActiveCount())
	}
}

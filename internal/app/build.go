package app

import (
	"log"

	"github.com/rodrigowf/qhch-voice/internal/config"
	"github.com/rodrigowf/qhch-voice/internal/httpapi"
	"github.com/rodrigowf/qhch-voice/internal/observability"
	"github.com/rodrigowf/qhch-voice/internal/realtime"
	"github.com/rodrigowf/qhch-voice/internal/session"
	"github.com/rodrigowf/qhch-voice/internal/voice"
)

// BuildResult holds the wired service graph. Everything hangs off the
// config; there are no external resources to release on shutdown.
type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Latency      *observability.LatencyWindow
}

func Build(cfg config.Config) *BuildResult {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	transport := realtime.NewWebRTCTransport(realtime.WebRTCConfig{
		BaseURL: cfg.RealtimeBaseURL,
		Model:   cfg.RealtimeModel,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		log.Printf("session %s expired after inactivity", s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := voice.NewOrchestrator(cfg, transport, metrics, latency)
	api := httpapi.New(cfg, sessions, orchestrator, metrics, latency)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Latency:      latency,
	}
}

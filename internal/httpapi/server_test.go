package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rodrigowf/qhch-voice/internal/config"
	"github.com/rodrigowf/qhch-voice/internal/observability"
	"github.com/rodrigowf/qhch-voice/internal/protocol"
	"github.com/rodrigowf/qhch-voice/internal/session"
)

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.NewMetrics(fmt.Sprintf("httpapi_test_%d", time.Now().UnixNano()))
}

// echoOrchestrator confirms connects with a status message and swallows
// everything else.
type echoOrchestrator struct{}

func (echoOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if _, isConnect := msg.(protocol.Connect); isConnect {
				outbound <- protocol.Status{Type: protocol.TypeStatus, SessionID: s.ID, Status: "connected"}
			}
		}
	}
}

func TestCreateAndEndSession(t *testing.T) {
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultInstructions:      "Be terse.",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, nil, testMetrics(t), observability.NewLatencyWindow(32))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}

	stored, err := sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Instructions != "Be terse." {
		t.Fatalf("Instructions = %q, want default applied", stored.Instructions)
	}

	endRes, err := http.Post(ts.URL+"/v1/voice/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestEndUnknownSession(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, nil, testMetrics(t), observability.NewLatencyWindow(32))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/voice/session/nope/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHealthAndReady(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, echoOrchestrator{}, testMetrics(t), observability.NewLatencyWindow(32))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	ready, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", ready.StatusCode, http.StatusOK)
	}
}

func TestReadyWithoutOrchestrator(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, nil, testMetrics(t), observability.NewLatencyWindow(32))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestPerfLatencySnapshot(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	latency := observability.NewLatencyWindow(16)
	latency.Observe("connect_total", 850)
	srv := New(cfg, sessions, nil, testMetrics(t), latency)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "connect_total" {
		t.Fatalf("unexpected snapshot stages: %+v", snap.Stages)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, echoOrchestrator{}, testMetrics(t), observability.NewLatencyWindow(32))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess := sessions.Create("")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Connect{Type: protocol.TypeConnect, SessionID: sess.ID}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status protocol.Status
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if status.Type != protocol.TypeStatus || status.Status != "connected" {
		t.Fatalf("status message = %+v, want connected status", status)
	}
}

func TestSessionWSRejectsInvalidMessage(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, echoOrchestrator{}, testMetrics(t), observability.NewLatencyWindow(32))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess := sessions.Create("")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errEvent.Code != "invalid_client_message" {
		t.Fatalf("error code = %q, want %q", errEvent.Code, "invalid_client_message")
	}
}

func TestSessionWSUnknownSession(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, echoOrchestrator{}, testMetrics(t), observability.NewLatencyWindow(32))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=missing"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial succeeded for unknown session")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", res)
	}
}

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-wayfind/internal/config"
	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/guidance"
	"github.com/teslashibe/go-wayfind/internal/health"
	"github.com/teslashibe/go-wayfind/internal/protocol"
	"github.com/teslashibe/go-wayfind/internal/session"
)

var origin = geo.Coordinate{Lat: 13.0418, Lon: 80.0456}

func setupTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()

	cfg := config.Default()
	manager := session.NewManager(session.DefaultConfig(), nil)
	t.Cleanup(manager.Close)

	server := New(cfg, manager, health.NewChecker("test"), nil, "test")
	return server, manager
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	var result map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("failed to parse JSON %q: %v", raw, err)
		}
	}
	return resp.StatusCode, result
}

func stepsBody(target geo.Coordinate, mode string) map[string]interface{} {
	return map[string]interface{}{
		"mode": mode,
		"steps": []guidance.Step{
			{Target: target, Instruction: "turn left"},
		},
	}
}

func createSession(t *testing.T, s *Server, mode string) string {
	t.Helper()

	status, body := doJSON(t, s, "POST", "/api/sessions", stepsBody(origin, mode))
	if status != 201 {
		t.Fatalf("expected status 201, got %d: %v", status, body)
	}

	sess, ok := body["session"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected session in response, got %v", body)
	}
	return sess["id"].(string)
}

func fixBody(meters float64) protocol.FixData {
	c := geo.OffsetNorth(origin, meters)
	return protocol.FixData{Lat: c.Lat, Lon: c.Lon}
}

func TestServer_Health(t *testing.T) {
	server, _ := setupTestServer(t)

	status, result := doJSON(t, server, "GET", "/health", nil)
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	if result["version"] != "test" {
		t.Errorf("expected version 'test', got %v", result["version"])
	}

	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %v", result["status"])
	}

	if _, ok := result["uptime_seconds"]; !ok {
		t.Error("expected uptime_seconds in response")
	}
}

func TestServer_SessionLifecycle(t *testing.T) {
	server, _ := setupTestServer(t)
	id := createSession(t, server, "direction_with_distance")

	// Outside the warn band: step log only
	status, body := doJSON(t, server, "POST", "/api/sessions/"+id+"/fixes", fixBody(200))
	if status != 200 {
		t.Fatalf("expected status 200, got %d: %v", status, body)
	}
	if events := body["events"].([]interface{}); len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}

	// Inside the band: announcement then step log
	_, body = doJSON(t, server, "POST", "/api/sessions/"+id+"/fixes", fixBody(50))
	events := body["events"].([]interface{})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	ann := events[0].(map[string]interface{})["announcement"].(map[string]interface{})
	if ann["text"] != "in 50 meters, turn left" {
		t.Errorf("unexpected announcement %v", ann["text"])
	}

	// Arrival
	_, body = doJSON(t, server, "POST", "/api/sessions/"+id+"/fixes", fixBody(5))
	if body["state"] != "arrived" {
		t.Errorf("expected arrived, got %v", body["state"])
	}

	// After arrival fixes are ignored
	_, body = doJSON(t, server, "POST", "/api/sessions/"+id+"/fixes", fixBody(100))
	if body["ignored"] != true {
		t.Errorf("expected ignored fix, got %v", body)
	}

	status, body = doJSON(t, server, "GET", "/api/sessions/"+id, nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	g := body["guidance"].(map[string]interface{})
	if g["state"] != "arrived" || g["warned"].(float64) != 1 {
		t.Errorf("unexpected snapshot %v", g)
	}
}

func TestServer_CreateInvalid(t *testing.T) {
	server, manager := setupTestServer(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"bad coordinate", stepsBody(geo.Coordinate{Lat: 91, Lon: 0}, "")},
		{"bad mode", stepsBody(origin, "teleport")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, server, "POST", "/api/sessions", tt.body)
			if status != 400 {
				t.Errorf("expected status 400, got %d: %v", status, body)
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/sessions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := server.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("expected status 400 for malformed JSON, got %d", resp.StatusCode)
	}

	if len(manager.List()) != 0 {
		t.Error("rejected requests should not create sessions")
	}
}

func TestServer_EmptyRoute(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := doJSON(t, server, "POST", "/api/sessions", map[string]interface{}{"steps": []guidance.Step{}})
	if status != 201 {
		t.Fatalf("expected status 201, got %d", status)
	}

	events := body["events"].([]interface{})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].(map[string]interface{})["kind"] != "empty_steps_warning" ||
		events[1].(map[string]interface{})["kind"] != "arrived" {
		t.Errorf("unexpected events %v", events)
	}
}

func TestServer_InvalidFix(t *testing.T) {
	server, _ := setupTestServer(t)
	id := createSession(t, server, "")

	status, _ := doJSON(t, server, "POST", "/api/sessions/"+id+"/fixes", protocol.FixData{Lat: 0, Lon: 500})
	if status != 400 {
		t.Errorf("expected status 400, got %d", status)
	}
}

func TestServer_NotFound(t *testing.T) {
	server, _ := setupTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/sessions/missing"},
		{"DELETE", "/api/sessions/missing"},
		{"POST", "/api/sessions/missing/fixes"},
	} {
		status, _ := doJSON(t, server, tc.method, tc.path, fixBody(0))
		if status != 404 {
			t.Errorf("%s %s: expected status 404, got %d", tc.method, tc.path, status)
		}
	}
}

func TestServer_CancelAndList(t *testing.T) {
	server, manager := setupTestServer(t)
	a := createSession(t, server, "")
	b := createSession(t, server, "")

	_, body := doJSON(t, server, "GET", "/api/sessions", nil)
	if n := len(body["sessions"].([]interface{})); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}

	status, body := doJSON(t, server, "DELETE", "/api/sessions/"+a, nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if body["guidance"].(map[string]interface{})["state"] != "cancelled" {
		t.Errorf("expected cancelled, got %v", body["guidance"])
	}

	status, _ = doJSON(t, server, "DELETE", "/api/sessions/"+b+"?remove=true", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if _, err := manager.Get(b); err == nil {
		t.Error("expected removed session to be gone")
	}
}

func TestServer_Stats(t *testing.T) {
	server, _ := setupTestServer(t)
	server.AddStats("relay", func() interface{} { return map[string]bool{"connected": false} })
	createSession(t, server, "")

	status, body := doJSON(t, server, "GET", "/api/stats", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}

	sessions := body["sessions"].(map[string]interface{})
	if sessions["active"].(float64) != 1 {
		t.Errorf("expected 1 active session, got %v", sessions["active"])
	}
	if _, ok := body["relay"]; !ok {
		t.Error("expected relay section")
	}
}

func TestServer_Config(t *testing.T) {
	server, _ := setupTestServer(t)

	_, body := doJSON(t, server, "GET", "/api/config", nil)
	g := body["guidance"].(map[string]interface{})
	if g["warn_max_m"].(float64) != 70 {
		t.Errorf("expected warn_max_m 70, got %v", g["warn_max_m"])
	}
}

func TestServer_Metrics(t *testing.T) {
	server, _ := setupTestServer(t)
	createSession(t, server, "")

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := server.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"wayfind_sessions_active 1",
		"wayfind_sessions_created_total 1",
		"wayfind_healthy 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestServer_EventsRequiresUpgrade(t *testing.T) {
	server, _ := setupTestServer(t)
	id := createSession(t, server, "")

	status, _ := doJSON(t, server, "GET", "/api/sessions/"+id+"/events", nil)
	if status != http.StatusUpgradeRequired {
		t.Errorf("expected status 426, got %d", status)
	}
}

func TestServer_EventStream(t *testing.T) {
	server, manager := setupTestServer(t)
	id := createSession(t, server, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go server.app.Listener(ln)
	defer server.app.Shutdown()

	url := fmt.Sprintf("ws://%s/api/sessions/%s/events", ln.Addr(), id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() *protocol.Message {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != protocol.TypeSession {
		t.Fatalf("expected session snapshot first, got %s", msg.Type)
	}

	// Fix sent over the socket
	fixMsg, _ := protocol.NewFixMessage(id, geo.Fix{Coordinate: geo.OffsetNorth(origin, 300)})
	data, _ := fixMsg.Bytes()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := read()
	ev, err := msg.GetEvent()
	if err != nil || ev.Kind != guidance.KindAnnouncement || ev.Text() != "turn left" {
		t.Fatalf("expected announcement, got %+v (%v)", ev, err)
	}
	if msg := read(); msg.Type != protocol.TypeEvent {
		t.Fatalf("expected step log event, got %s", msg.Type)
	}

	// Fix through the REST API reaches the same stream
	sess, _ := manager.Get(id)
	if _, err := sess.HandleFix(geo.Fix{Coordinate: origin}); err != nil {
		t.Fatalf("HandleFix: %v", err)
	}

	var kinds []guidance.EventKind
	for {
		msg := read()
		if msg.Type == protocol.TypeEnd {
			var end protocol.EndData
			if err := msg.ParseData(&end); err != nil || end.State != guidance.StateArrived {
				t.Errorf("expected end with arrived state, got %+v (%v)", end, err)
			}
			break
		}
		ev, _ := msg.GetEvent()
		kinds = append(kinds, ev.Kind)
	}

	if len(kinds) != 2 || kinds[1] != guidance.KindArrived {
		t.Errorf("expected step log then arrived, got %v", kinds)
	}
}

func TestServer_EventStreamUnknownSession(t *testing.T) {
	server, _ := setupTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go server.app.Listener(ln)
	defer server.app.Shutdown()

	url := fmt.Sprintf("ws://%s/api/sessions/missing/events", ln.Addr())
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("expected 404 response, got %v", resp)
	}
}

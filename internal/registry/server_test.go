package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer() *Server {
	return NewServer(ServerConfig{
		Host:             "127.0.0.1",
		Port:             0,
		HeartbeatTimeout: 30 * time.Second,
		ReapInterval:     10 * time.Second,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

func TestServer_Register(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
		"node_id": "node-a",
		"port":    7871,
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp registerResponse
	decodeBody(t, rec, &resp)

	if resp.Status != "registered" {
		t.Errorf("Status = %q, want %q", resp.Status, "registered")
	}
	if resp.NodeInfo.NodeID != "node-a" {
		t.Errorf("NodeID = %q, want %q", resp.NodeInfo.NodeID, "node-a")
	}
	if resp.NodeInfo.Port != 7871 {
		t.Errorf("Port = %d, want 7871", resp.NodeInfo.Port)
	}
	// httptest requests carry a fixed client address
	if resp.NodeInfo.IPAddress != "192.0.2.1" {
		t.Errorf("IPAddress = %q, want %q", resp.NodeInfo.IPAddress, "192.0.2.1")
	}
}

func TestServer_RegisterValidation(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
		"node_id": "node-a",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	var resp errorBody
	decodeBody(t, rec, &resp)
	if resp.Status != "error" {
		t.Errorf("Status = %q, want %q", resp.Status, "error")
	}
	if resp.Error == "" {
		t.Error("Error message should be set")
	}

	// A failed registration must not create a record
	if s.Registry().ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after rejected register, want 0", s.Registry().ActiveCount())
	}
}

func TestServer_RegisterMalformedBody(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer()

	for _, path := range []string{"/register", "/heartbeat", "/unregister"} {
		rec := doJSON(t, s, http.MethodGet, path, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusMethodNotAllowed)
		}
	}

	for _, path := range []string{"/discover", "/nodes", "/health", "/metrics"} {
		rec := doJSON(t, s, http.MethodPost, path, map[string]string{})
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want %d", path, rec.Code, http.StatusMethodNotAllowed)
		}
	}
}

func TestServer_Heartbeat(t *testing.T) {
	s := newTestServer()

	doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
		"node_id": "node-a",
		"port":    7871,
	})

	rec := doJSON(t, s, http.MethodPost, "/heartbeat", map[string]string{"node_id": "node-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp heartbeatResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if resp.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	rec = doJSON(t, s, http.MethodPost, "/heartbeat", map[string]string{"node_id": "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Heartbeat for unknown node = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = doJSON(t, s, http.MethodPost, "/heartbeat", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Heartbeat without node_id = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_DiscoverExcludesSelf(t *testing.T) {
	s := newTestServer()

	for _, id := range []string{"node-a", "node-b"} {
		doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
			"node_id": id,
			"port":    7871,
		})
	}

	rec := doJSON(t, s, http.MethodGet, "/discover?node_id=node-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp discoverResponse
	decodeBody(t, rec, &resp)

	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if resp.PeerCount != 1 {
		t.Fatalf("PeerCount = %d, want 1", resp.PeerCount)
	}
	if resp.Peers[0].NodeID != "node-b" {
		t.Errorf("Peer = %q, want %q", resp.Peers[0].NodeID, "node-b")
	}

	// The requester id is required
	rec = doJSON(t, s, http.MethodGet, "/discover", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Discover without node_id = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_Unregister(t *testing.T) {
	s := newTestServer()

	doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
		"node_id": "node-a",
		"port":    7871,
	})

	rec := doJSON(t, s, http.MethodPost, "/unregister", map[string]string{"node_id": "node-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp unregisterResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "unregistered" || resp.NodeID != "node-a" {
		t.Errorf("Body = %+v, want status=unregistered node_id=node-a", resp)
	}

	rec = doJSON(t, s, http.MethodPost, "/unregister", map[string]string{"node_id": "node-a"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Second unregister = %d, want %d", rec.Code, http.StatusNotFound)
	}

	var nodes nodesResponse
	rec = doJSON(t, s, http.MethodGet, "/nodes", nil)
	decodeBody(t, rec, &nodes)
	if nodes.TotalNodes != 0 {
		t.Errorf("TotalNodes = %d after unregister, want 0", nodes.TotalNodes)
	}
}

func TestServer_Nodes(t *testing.T) {
	s := newTestServer()

	for _, id := range []string{"node-a", "node-b", "node-c"} {
		doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
			"node_id": id,
			"port":    7871,
		})
	}

	rec := doJSON(t, s, http.MethodGet, "/nodes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp nodesResponse
	decodeBody(t, rec, &resp)

	if resp.TotalNodes != 3 {
		t.Errorf("TotalNodes = %d, want 3", resp.TotalNodes)
	}
	if len(resp.Nodes) != 3 {
		t.Errorf("len(Nodes) = %d, want 3", len(resp.Nodes))
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer()

	doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
		"node_id": "node-a",
		"port":    7871,
	})

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp healthResponse
	decodeBody(t, rec, &resp)

	if resp.Status != "healthy" {
		t.Errorf("Status = %q, want %q", resp.Status, "healthy")
	}
	if resp.ActiveNodes != 1 {
		t.Errorf("ActiveNodes = %d, want 1", resp.ActiveNodes)
	}
	if resp.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestServer_Index(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp serviceInfoResponse
	decodeBody(t, rec, &resp)

	if resp.Status != "online" {
		t.Errorf("Status = %q, want %q", resp.Status, "online")
	}
	if resp.Endpoints["register"] == "" {
		t.Error("Endpoint catalog should list register")
	}

	rec = doJSON(t, s, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Unknown path = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s := newTestServer()

	doJSON(t, s, http.MethodPost, "/register", map[string]interface{}{
		"node_id": "node-a",
		"port":    7871,
	})
	doJSON(t, s, http.MethodPost, "/heartbeat", map[string]string{"node_id": "node-a"})

	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var snapshot MetricsSnapshot
	decodeBody(t, rec, &snapshot)

	if snapshot.Counters.Registrations != 1 {
		t.Errorf("Registrations = %d, want 1", snapshot.Counters.Registrations)
	}
	if snapshot.Counters.Heartbeats != 1 {
		t.Errorf("Heartbeats = %d, want 1", snapshot.Counters.Heartbeats)
	}
	if snapshot.Gauges.ActiveNodes != 1 {
		t.Errorf("ActiveNodes = %d, want 1", snapshot.Gauges.ActiveNodes)
	}
	if snapshot.RequestsByEndpoint["/register"] != 1 {
		t.Errorf("RequestsByEndpoint[/register] = %d, want 1", snapshot.RequestsByEndpoint["/register"])
	}
}

func TestServer_RateLimit(t *testing.T) {
	s := NewServer(ServerConfig{
		Host: "127.0.0.1",
		RateLimit: &RateLimitConfig{
			PerIPRequestsPerSecond:  1,
			PerIPBurst:              2,
			GlobalRequestsPerSecond: 1000,
			GlobalBurst:             1000,
		},
	})

	limited := false
	for i := 0; i < 10; i++ {
		rec := doJSON(t, s, http.MethodGet, "/health", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true

			var resp errorBody
			decodeBody(t, rec, &resp)
			if resp.Status != "error" {
				t.Errorf("Status = %q on 429, want %q", resp.Status, "error")
			}
			break
		}
	}

	if !limited {
		t.Error("Expected rate limiting to reject the burst")
	}
}

func TestServer_StartStop(t *testing.T) {
	s := newTestServer()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

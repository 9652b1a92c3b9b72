package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/registry"
)

func newTestRegistry(t *testing.T) (*Registry, *registry.Server) {
	t.Helper()

	srv := registry.NewServer(registry.ServerConfig{
		HeartbeatTimeout: 30 * time.Second,
		ReapInterval:     10 * time.Second,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return NewRegistry(ts.URL), srv
}

func TestRegistry_RegisterAndDiscover(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()

	info, err := c.Register(ctx, "node-a", 7871, "")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if info.NodeID != "node-a" {
		t.Errorf("NodeID = %q, want %q", info.NodeID, "node-a")
	}
	if info.Port != 7871 {
		t.Errorf("Port = %d, want 7871", info.Port)
	}

	if _, err := c.Register(ctx, "node-b", 7872, "pk-b"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	peers, err := c.Discover(ctx, "node-a")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("Discover returned %d peers, want 1", len(peers))
	}
	if peers[0].NodeID != "node-b" {
		t.Errorf("Peer = %q, want %q", peers[0].NodeID, "node-b")
	}
	if peers[0].PublicKey != "pk-b" {
		t.Errorf("PublicKey = %q, want %q", peers[0].PublicKey, "pk-b")
	}
}

func TestRegistry_Heartbeat(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := c.Register(ctx, "node-a", 7871, ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := c.Heartbeat(ctx, "node-a"); err != nil {
		t.Errorf("Heartbeat failed: %v", err)
	}

	err := c.Heartbeat(ctx, "ghost")
	if err == nil {
		t.Fatal("Expected error for unknown node")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestRegistry_ValidationError(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "node-a", 0, "")
	if err == nil {
		t.Fatal("Expected error for missing port")
	}
	if !IsValidation(err) {
		t.Errorf("IsValidation(%v) = false, want true", err)
	}
	if IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = true, want false", err)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	c, srv := newTestRegistry(t)
	ctx := context.Background()

	if _, err := c.Register(ctx, "node-a", 7871, ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := c.Unregister(ctx, "node-a"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if srv.Registry().ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after unregister, want 0", srv.Registry().ActiveCount())
	}

	if err := c.Unregister(ctx, "node-a"); !IsNotFound(err) {
		t.Errorf("Second unregister = %v, want not-found", err)
	}
}

func TestRegistry_NodesAndHealth(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"node-a", "node-b"} {
		if _, err := c.Register(ctx, id, 7871, ""); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	nodes, err := c.Nodes(ctx)
	if err != nil {
		t.Fatalf("Nodes failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("len(Nodes) = %d, want 2", len(nodes))
	}

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want %q", health.Status, "healthy")
	}
	if health.ActiveNodes != 2 {
		t.Errorf("ActiveNodes = %d, want 2", health.ActiveNodes)
	}
}

func TestRegistry_ServiceInfo(t *testing.T) {
	c, _ := newTestRegistry(t)

	info, err := c.ServiceInfo(context.Background())
	if err != nil {
		t.Fatalf("ServiceInfo failed: %v", err)
	}
	if info.Status != "online" {
		t.Errorf("Status = %q, want %q", info.Status, "online")
	}
	if len(info.Endpoints) == 0 {
		t.Error("Endpoint catalog should not be empty")
	}
}

func TestRegistry_NetworkError(t *testing.T) {
	srv := registry.NewServer(registry.ServerConfig{})
	ts := httptest.NewServer(srv.Handler())
	c := NewRegistry(ts.URL)
	ts.Close()

	err := c.Heartbeat(context.Background(), "node-a")
	if err == nil {
		t.Fatal("Expected a network error after server shutdown")
	}
	if IsNotFound(err) || IsValidation(err) {
		t.Errorf("Network error misclassified as API error: %v", err)
	}
}

func TestRegistry_URLNormalization(t *testing.T) {
	c := NewRegistry("10.0.0.1:7870")
	if c.BaseURL() != "http://10.0.0.1:7870" {
		t.Errorf("BaseURL = %q, want %q", c.BaseURL(), "http://10.0.0.1:7870")
	}

	c = NewRegistry("https://reg.example.com/")
	if c.BaseURL() != "https://reg.example.com" {
		t.Errorf("BaseURL = %q, want %q", c.BaseURL(), "https://reg.example.com")
	}
}

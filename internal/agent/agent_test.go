package agent

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/protocol"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/registry"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/testutil"
)

// startTestRegistry runs a real registry server on an ephemeral port and
// returns its base URL.
func startTestRegistry(t *testing.T) (*registry.Server, string) {
	t.Helper()

	srv := registry.NewServer(registry.ServerConfig{
		Host:             "127.0.0.1",
		Port:             0,
		HeartbeatTimeout: 2 * time.Second,
		ReapInterval:     200 * time.Millisecond,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, "http://" + srv.Addr()
}

// newTestAgent creates an agent against the given registry with fast loops.
func newTestAgent(t *testing.T, nodeID, registryURL string) *Agent {
	t.Helper()

	a, err := New(Options{
		NodeID:            nodeID,
		ListenHost:        "127.0.0.1",
		ListenPort:        0,
		RegistryURL:       registryURL,
		HeartbeatInterval: 100 * time.Millisecond,
		DiscoveryInterval: 100 * time.Millisecond,
		SocketPath:        filepath.Join(t.TempDir(), "agent.sock"),
		LogBuffer:         NewLogBuffer(1000),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestAgent_StartRegistersAndStopUnregisters(t *testing.T) {
	srv, url := startTestRegistry(t)

	a := newTestAgent(t, "node-a", url)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := srv.Registry().ActiveCount(); got != 1 {
		t.Errorf("registry count after start = %d, want 1", got)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := srv.Registry().ActiveCount(); got != 0 {
		t.Errorf("registry count after stop = %d, want 0", got)
	}
}

func TestAgent_StartFailsWithoutRegistry(t *testing.T) {
	// Nothing is listening on this port.
	port := testutil.FreePort(t)

	a, err := New(Options{
		NodeID:      "node-a",
		ListenHost:  "127.0.0.1",
		RegistryURL: "http://127.0.0.1:" + strconv.Itoa(port),
		LogBuffer:   NewLogBuffer(100),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := a.Start(); err == nil {
		a.Stop()
		t.Fatal("Start should fail when registration fails")
	}

	// The listener must have been torn down again.
	if addr := a.listener.Addr(); addr != "" {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			t.Error("listener still accepting after failed start")
		}
	}
}

func TestAgent_ValidationErrors(t *testing.T) {
	if _, err := New(Options{RegistryURL: "http://localhost:7870"}); err == nil {
		t.Error("New should reject an empty node id")
	}
	if _, err := New(Options{NodeID: "node-a"}); err == nil {
		t.Error("New should reject an empty registry URL")
	}
}

func TestAgent_DiscoveryPopulatesPeers(t *testing.T) {
	srv, url := startTestRegistry(t)

	// A peer that is registered but not running an agent.
	if _, _, err := srv.Registry().Register("node-b", "127.0.0.1", 9002, ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	a := newTestAgent(t, "node-a", url)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	testutil.WaitFor(t, 3*time.Second, func() bool {
		return a.peers.Count() == 1
	}, "discovery to populate the peer view")

	peer, ok := a.peers.Get("node-b")
	if !ok {
		t.Fatal("node-b missing from peer view")
	}
	if peer.Addr() != "127.0.0.1:9002" {
		t.Errorf("peer addr = %q, want %q", peer.Addr(), "127.0.0.1:9002")
	}
}

func TestAgent_SendBetweenAgents(t *testing.T) {
	_, url := startTestRegistry(t)

	a1 := newTestAgent(t, "node-1", url)
	a2 := newTestAgent(t, "node-2", url)

	if err := a1.Start(); err != nil {
		t.Fatalf("start node-1: %v", err)
	}
	t.Cleanup(func() { a1.Stop() })
	if err := a2.Start(); err != nil {
		t.Fatalf("start node-2: %v", err)
	}
	t.Cleanup(func() { a2.Stop() })

	testutil.WaitFor(t, 3*time.Second, func() bool {
		_, ok := a1.peers.Get("node-2")
		return ok
	}, "node-1 to discover node-2")

	ack, err := a1.Send(context.Background(), "node-2", protocol.MsgText, "hello mesh")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ack.Status != protocol.AckStatusReceived {
		t.Errorf("ack status = %q, want %q", ack.Status, protocol.AckStatusReceived)
	}

	// Both sides record the exchange.
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return a2.history.Count() == 1
	}, "node-2 to record the message")

	recv := a2.History(0)
	if recv[0].Payload != "hello mesh" {
		t.Errorf("received payload = %q, want %q", recv[0].Payload, "hello mesh")
	}
	if recv[0].Peer != "node-1" {
		t.Errorf("received peer = %q, want %q", recv[0].Peer, "node-1")
	}

	sent := a1.History(0)
	if len(sent) != 1 || sent[0].Direction != DirectionSent {
		t.Errorf("node-1 history = %+v, want one sent record", sent)
	}
}

func TestAgent_RefreshPeers(t *testing.T) {
	srv, url := startTestRegistry(t)

	a := newTestAgent(t, "node-a", url)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	// Register a peer after startup, then refresh on demand instead of
	// waiting out the discovery interval.
	if _, _, err := srv.Registry().Register("node-late", "127.0.0.1", 9009, ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	peers, err := a.RefreshPeers(context.Background())
	if err != nil {
		t.Fatalf("RefreshPeers failed: %v", err)
	}

	found := false
	for _, p := range peers {
		if p.NodeID == "node-late" {
			found = true
		}
	}
	if !found {
		t.Errorf("refreshed view %+v missing node-late", peers)
	}
}

func TestAgent_Status(t *testing.T) {
	_, url := startTestRegistry(t)

	a := newTestAgent(t, "node-a", url)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	// First heartbeat fires immediately on start.
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return !a.Status().LastHeartbeat.IsZero()
	}, "first heartbeat")

	st := a.Status()
	if !st.Running {
		t.Error("status should report running")
	}
	if st.NodeID != "node-a" {
		t.Errorf("status node_id = %q, want %q", st.NodeID, "node-a")
	}
	if st.ListenAddr == "" {
		t.Error("status should report the listen address")
	}
	if st.LastError != "" {
		t.Errorf("unexpected last error: %q", st.LastError)
	}
}

func TestAgent_HeartbeatDoesNotReRegister(t *testing.T) {
	srv, url := startTestRegistry(t)

	a := newTestAgent(t, "node-a", url)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	// Force the registry to forget the node mid-run.
	if err := srv.Registry().Unregister("node-a"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	// The agent keeps heartbeating and failing; it must not come back.
	testutil.WaitFor(t, 3*time.Second, func() bool {
		return a.Status().LastError != ""
	}, "heartbeat failure to surface")

	time.Sleep(300 * time.Millisecond)
	if got := srv.Registry().ActiveCount(); got != 0 {
		t.Errorf("reaped node re-registered itself: count = %d, want 0", got)
	}
}

func TestAgent_KickTriggersHeartbeat(t *testing.T) {
	_, url := startTestRegistry(t)

	a, err := New(Options{
		NodeID:      "node-a",
		ListenHost:  "127.0.0.1",
		RegistryURL: url,
		// Long intervals so only the immediate run and the kick fire.
		HeartbeatInterval: time.Hour,
		DiscoveryInterval: time.Hour,
		LogBuffer:         NewLogBuffer(100),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return !a.Status().LastHeartbeat.IsZero()
	}, "initial heartbeat")
	first := a.Status().LastHeartbeat

	time.Sleep(50 * time.Millisecond)
	a.Kick()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return a.Status().LastHeartbeat.After(first)
	}, "kicked heartbeat")
}

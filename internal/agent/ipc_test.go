package agent

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/client"
)

// startAgentWithIPC brings up a full agent with a control socket and returns
// a connected IPC client.
func startAgentWithIPC(t *testing.T, nodeID string) (*Agent, *client.Agent) {
	t.Helper()

	_, url := startTestRegistry(t)
	socketPath := filepath.Join(t.TempDir(), "agent.sock")

	a, err := New(Options{
		NodeID:            nodeID,
		ListenHost:        "127.0.0.1",
		ListenPort:        0,
		RegistryURL:       url,
		HeartbeatInterval: 100 * time.Millisecond,
		DiscoveryInterval: 100 * time.Millisecond,
		SocketPath:        socketPath,
		LogBuffer:         NewLogBuffer(1000),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	c, err := client.ConnectAgentTo(socketPath)
	if err != nil {
		t.Fatalf("ConnectAgentTo failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return a, c
}

func TestIPC_StatusRoundTrip(t *testing.T) {
	a, c := startAgentWithIPC(t, "node-ipc")

	status, err := c.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if !status.Running {
		t.Error("status should report running")
	}
	if status.NodeID != "node-ipc" {
		t.Errorf("node_id = %q, want %q", status.NodeID, "node-ipc")
	}
	if status.ListenAddr != a.ListenAddr() {
		t.Errorf("listen_addr = %q, want %q", status.ListenAddr, a.ListenAddr())
	}
}

func TestIPC_UnknownMethod(t *testing.T) {
	_, c := startAgentWithIPC(t, "node-ipc")

	_, err := c.Call("bogus", nil)
	if err == nil {
		t.Fatal("unknown method should fail")
	}
	if !strings.Contains(err.Error(), "method not found") {
		t.Errorf("error = %q, want method-not-found", err)
	}
}

func TestIPC_SendToUnknownPeer(t *testing.T) {
	_, c := startAgentWithIPC(t, "node-ipc")

	if _, err := c.SendMessage("nobody", "text", "hello"); err == nil {
		t.Fatal("send to an unknown peer should fail")
	}
}

func TestIPC_HistoryAndLogs(t *testing.T) {
	a, c := startAgentWithIPC(t, "node-ipc")

	a.history.Add(MessageRecord{
		ID:        "m1",
		Direction: DirectionReceived,
		Peer:      "node-x",
		Type:      "text",
		Payload:   "hi",
		Timestamp: time.Now(),
	})

	msgs, err := c.History(10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Peer != "node-x" || msgs[0].Payload != "hi" {
		t.Errorf("history = %+v, want the recorded message", msgs)
	}

	a.logBuffer.Add(LogEntry{Timestamp: time.Now(), Level: "INFO", Message: "routine"})
	a.logBuffer.Add(LogEntry{Timestamp: time.Now(), Level: "ERROR", Message: "broken"})

	logs, err := c.Logs("ERROR", 10)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "broken" {
		t.Errorf("logs = %+v, want only the error entry", logs)
	}
}

func TestIPC_SubscribeReceivesEvents(t *testing.T) {
	a, c := startAgentWithIPC(t, "node-ipc")

	if err := c.Subscribe(); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	a.BroadcastEvent(NewEvent(EventPeerJoined, map[string]string{"peer": "node-new"}))

	type result struct {
		ev  *client.Event
		err error
	}
	got := make(chan result, 1)
	go func() {
		ev, err := c.ReadEvent()
		got <- result{ev, err}
	}()

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("ReadEvent failed: %v", r.err)
		}
		if r.ev.Event != EventPeerJoined {
			t.Errorf("event = %q, want %q", r.ev.Event, EventPeerJoined)
		}
		var payload struct {
			Peer string `json:"peer"`
		}
		if err := json.Unmarshal(r.ev.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Peer != "node-new" {
			t.Errorf("payload peer = %q, want %q", payload.Peer, "node-new")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestIPC_UnsubscribedClientGetsNoEvents(t *testing.T) {
	a, c := startAgentWithIPC(t, "node-ipc")

	a.BroadcastEvent(NewEvent(EventPeerJoined, map[string]string{"peer": "node-new"}))

	// A plain call still works; the event was never queued for this client.
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestIPC_StopRequestsShutdown(t *testing.T) {
	a, c := startAgentWithIPC(t, "node-ipc")

	if err := c.StopAgent(); err != nil {
		t.Fatalf("StopAgent failed: %v", err)
	}

	select {
	case <-a.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop request did not cancel the agent")
	}
}

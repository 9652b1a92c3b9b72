// Package agent implements the node side of the mesh: registration and
// liveness against the registry, peer discovery, the inbound message
// listener, on-demand sends, and the local control socket.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/client"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/protocol"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/timer"
)

const (
	// DefaultHeartbeatInterval is how often the agent reports liveness.
	// It must stay well under the registry's heartbeat timeout.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultDiscoveryInterval is how often the agent refreshes its peer view.
	DefaultDiscoveryInterval = 20 * time.Second

	// registerTimeout bounds the one-shot startup registration.
	registerTimeout = 10 * time.Second

	// unregisterTimeout bounds the best-effort unregister during shutdown.
	unregisterTimeout = 3 * time.Second
)

// Options configures an Agent.
type Options struct {
	NodeID      string
	ListenHost  string
	ListenPort  int
	RegistryURL string
	PublicKey   string // advertised to the registry, otherwise unused

	HeartbeatInterval time.Duration
	DiscoveryInterval time.Duration

	SocketPath string // control socket path; empty disables IPC
	PIDFile    string

	NotifyEnabled bool
	Limits        *ConnectionLimiterConfig

	// LogBuffer backs the IPC logs method. When nil, New creates one and
	// tees the process-wide default logger into it.
	LogBuffer *LogBuffer
}

// Agent is one mesh node. It registers with the registry once at startup,
// then runs heartbeat, discovery, and listener loops until stopped.
type Agent struct {
	nodeID    string
	publicKey string
	registry  *client.Registry
	peers     *PeerView
	history   *MessageHistory
	listener  *Listener
	sender    *Sender
	ipc       *IPCServer
	notifier  *NotificationService
	logBuffer *LogBuffer
	wake      *WakeWatcher

	heartbeatInterval time.Duration
	discoveryInterval time.Duration
	pidFile           string

	heartbeatKick chan struct{}
	discoveryKick chan struct{}
	refresh       singleflight.Group

	mu            sync.RWMutex
	lastHeartbeat time.Time
	lastError     string

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopOnce  sync.Once
}

// Status is the agent's self-report, served over IPC.
type Status struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid"`
	NodeID        string    `json:"node_id"`
	Uptime        string    `json:"uptime"`
	StartTime     time.Time `json:"start_time"`
	ListenAddr    string    `json:"listen_addr"`
	RegistryURL   string    `json:"registry_url"`
	PeerCount     int       `json:"peer_count"`
	MessageCount  int       `json:"message_count"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// New creates an agent from options. Registration happens in Start, not here.
func New(opts Options) (*Agent, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if opts.RegistryURL == "" {
		return nil, fmt.Errorf("registry URL is required")
	}

	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	discoveryInterval := opts.DiscoveryInterval
	if discoveryInterval == 0 {
		discoveryInterval = DefaultDiscoveryInterval
	}

	logBuffer := opts.LogBuffer
	if logBuffer == nil {
		logBuffer = NewLogBuffer(LogBufferSize)
		base := slog.Default().Handler()
		slog.SetDefault(slog.New(NewBufferedHandler(logBuffer, base)))
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		nodeID:            opts.NodeID,
		publicKey:         opts.PublicKey,
		registry:          client.NewRegistry(opts.RegistryURL),
		peers:             NewPeerView(0, 0),
		history:           NewMessageHistory(HistorySize),
		notifier:          NewNotificationService(opts.NotifyEnabled),
		logBuffer:         logBuffer,
		heartbeatInterval: heartbeatInterval,
		discoveryInterval: discoveryInterval,
		pidFile:           opts.PIDFile,
		heartbeatKick:     make(chan struct{}, 1),
		discoveryKick:     make(chan struct{}, 1),
		startTime:         time.Now(),
		ctx:               ctx,
		cancel:            cancel,
	}

	a.listener = NewListener(ListenerOptions{
		NodeID:    opts.NodeID,
		Host:      opts.ListenHost,
		Port:      opts.ListenPort,
		Limiter:   NewConnectionLimiter(opts.Limits),
		History:   a.history,
		OnMessage: a.onMessage,
	})
	a.sender = NewSender(opts.NodeID, a.peers, a.history)

	if opts.SocketPath != "" {
		a.ipc = NewIPCServer(opts.SocketPath, a)
	}

	return a, nil
}

// Start brings the agent up: bind the listener, register with the registry,
// open the control socket, and launch the background loops. A failure to bind
// or to register is fatal; everything after that is not.
func (a *Agent) Start() error {
	slog.Info("starting agent",
		"node_id", a.nodeID,
		"registry", a.registry.BaseURL(),
	)

	if a.pidFile != "" {
		if err := os.WriteFile(a.pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
			slog.Warn("failed to write PID file", "error", err)
		}
	}

	if err := a.listener.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	if err := a.register(); err != nil {
		a.listener.Stop()
		return fmt.Errorf("register with registry: %w", err)
	}

	if a.ipc != nil {
		if err := a.ipc.Start(a.ctx); err != nil {
			a.listener.Stop()
			a.unregister()
			return fmt.Errorf("start IPC server: %w", err)
		}
	}

	group, gctx := errgroup.WithContext(a.ctx)
	a.group = group

	group.Go(func() error {
		return timer.RunWithTicker(gctx, timer.Interval{
			Duration: a.heartbeatInterval,
			Jitter:   a.heartbeatInterval / 10,
		}, a.heartbeatKick, a.beat)
	})

	group.Go(func() error {
		return timer.RunWithTicker(gctx, timer.Interval{
			Duration: a.discoveryInterval,
			Jitter:   a.discoveryInterval / 10,
		}, a.discoveryKick, a.discoverPeers)
	})

	a.wake = NewWakeWatcher(a.Kick)
	a.wake.Start()

	slog.Info("agent started", "listen_addr", a.listener.Addr())

	return nil
}

// Run starts the agent and blocks until a signal or Shutdown.
func (a *Agent) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("received signal, shutting down", "signal", sig)
	case <-a.ctx.Done():
	}

	return a.Stop()
}

// Stop shuts the agent down: cancel the loops, close the sockets, then make a
// best-effort unregister so the registry drops us before the reaper would.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		slog.Info("stopping agent")

		a.cancel()

		if a.wake != nil {
			a.wake.Stop()
		}
		if a.ipc != nil {
			a.ipc.Stop()
		}
		a.listener.Stop()

		if a.group != nil {
			if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("background loop exited with error", "error", err)
			}
		}

		a.unregister()

		if a.pidFile != "" {
			os.Remove(a.pidFile)
		}

		slog.Info("agent stopped")
	})
	return nil
}

// Shutdown requests an asynchronous stop. Run observes the cancellation and
// performs the actual teardown.
func (a *Agent) Shutdown() {
	a.cancel()
}

// Kick triggers an immediate heartbeat and discovery round, used after a
// system wake when both are likely overdue.
func (a *Agent) Kick() {
	select {
	case a.heartbeatKick <- struct{}{}:
	default:
	}
	select {
	case a.discoveryKick <- struct{}{}:
	default:
	}
}

// register performs the one-shot startup registration.
func (a *Agent) register() error {
	ctx, cancel := context.WithTimeout(a.ctx, registerTimeout)
	defer cancel()

	info, err := a.registry.Register(ctx, a.nodeID, a.listener.Port(), a.publicKey)
	if err != nil {
		return err
	}

	slog.Info("registered with registry",
		"node_id", info.NodeID,
		"advertised_addr", info.Addr(),
	)
	return nil
}

// unregister tells the registry we are leaving. Failure is ignored; the
// reaper removes us after the timeout anyway.
func (a *Agent) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()

	if err := a.registry.Unregister(ctx, a.nodeID); err != nil {
		slog.Debug("unregister failed", "error", err)
		return
	}
	slog.Info("unregistered from registry")
}

// beat sends one heartbeat. Failures are logged and swallowed: a NotFound
// answer means the registry reaped us, and the node then stays absent until
// restarted rather than silently re-registering.
func (a *Agent) beat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, client.DefaultTimeout)
	defer cancel()

	if err := a.registry.Heartbeat(ctx, a.nodeID); err != nil {
		a.recordFailure(err)
		slog.Warn("heartbeat failed", "error", err)
		return nil
	}

	a.recordHeartbeat()
	slog.Debug("heartbeat sent")
	return nil
}

// discoverPeers runs one discovery round and merges the result into the peer
// view. A failed call leaves the view untouched: absence counting applies
// only to rounds the registry actually answered.
func (a *Agent) discoverPeers(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, client.DefaultTimeout)
	defer cancel()

	found, err := a.registry.Discover(ctx, a.nodeID)
	if err != nil {
		a.recordFailure(err)
		slog.Warn("discovery failed", "error", err)
		return nil
	}

	result := a.peers.ApplyDiscovery(found)

	for _, id := range result.Added {
		slog.Info("peer joined", "peer", id)
		a.BroadcastEvent(NewEvent(EventPeerJoined, map[string]string{"peer": id}))
		go a.notifier.NotifyPeerJoined(id)
	}
	for _, id := range result.Evicted {
		slog.Info("peer left", "peer", id)
		a.BroadcastEvent(NewEvent(EventPeerLeft, map[string]string{"peer": id}))
	}

	slog.Debug("discovery round",
		"found", len(found),
		"added", len(result.Added),
		"evicted", len(result.Evicted),
	)
	return nil
}

// onMessage runs for each accepted inbound envelope, after the ack.
func (a *Agent) onMessage(env *protocol.Envelope) {
	a.BroadcastEvent(NewEvent(EventMessageReceived, map[string]any{
		"id":        env.ID,
		"from":      env.Source,
		"type":      env.Type,
		"payload":   env.PayloadText(),
		"timestamp": env.Timestamp,
	}))

	go a.notifier.NotifyMessageReceived(env.Source, string(env.Type))
}

// Send delivers one payload to a known peer and returns its ack.
func (a *Agent) Send(ctx context.Context, peerID string, msgType protocol.MessageType, payload any) (*protocol.Ack, error) {
	return a.sender.Send(ctx, peerID, msgType, payload)
}

// Peers returns the current peer view snapshot.
func (a *Agent) Peers() []Peer {
	return a.peers.Snapshot()
}

// RefreshPeers forces a discovery round and returns the refreshed view.
// Concurrent refreshes collapse into a single registry call.
func (a *Agent) RefreshPeers(ctx context.Context) ([]Peer, error) {
	v, err, _ := a.refresh.Do("discover", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, client.DefaultTimeout)
		defer cancel()

		found, err := a.registry.Discover(ctx, a.nodeID)
		if err != nil {
			return nil, err
		}
		a.peers.ApplyDiscovery(found)
		return a.peers.Snapshot(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Peer), nil
}

// History returns up to limit recent message records.
func (a *Agent) History(limit int) []MessageRecord {
	return a.history.Recent(limit)
}

// Logs queries the in-memory log ring.
func (a *Agent) Logs(q LogQuery) []LogEntry {
	return a.logBuffer.Query(q)
}

// Status reports the agent's current state.
func (a *Agent) Status() *Status {
	a.mu.RLock()
	lastHeartbeat := a.lastHeartbeat
	lastError := a.lastError
	a.mu.RUnlock()

	return &Status{
		Running:       true,
		PID:           os.Getpid(),
		NodeID:        a.nodeID,
		Uptime:        time.Since(a.startTime).Round(time.Second).String(),
		StartTime:     a.startTime,
		ListenAddr:    a.listener.Addr(),
		RegistryURL:   a.registry.BaseURL(),
		PeerCount:     a.peers.Count(),
		MessageCount:  a.history.Count(),
		LastHeartbeat: lastHeartbeat,
		LastError:     lastError,
	}
}

// NodeID returns the agent's identity.
func (a *Agent) NodeID() string {
	return a.nodeID
}

// ListenAddr returns the bound peer listener address.
func (a *Agent) ListenAddr() string {
	return a.listener.Addr()
}

// BroadcastEvent delivers an event to subscribed IPC clients.
func (a *Agent) BroadcastEvent(event *Event) {
	if a.ipc != nil {
		a.ipc.BroadcastEvent(event)
	}
}

// Notifier returns the desktop notification service.
func (a *Agent) Notifier() *NotificationService {
	return a.notifier
}

func (a *Agent) recordHeartbeat() {
	a.mu.Lock()
	a.lastHeartbeat = time.Now()
	a.lastError = ""
	a.mu.Unlock()
}

func (a *Agent) recordFailure(err error) {
	a.mu.Lock()
	a.lastError = err.Error()
	a.mu.Unlock()
}

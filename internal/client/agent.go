package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/config"
)

// Agent is an IPC client for a running agent's control socket.
type Agent struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	decoder *json.Decoder
	mu      sync.Mutex
	reqID   uint64
	timeout time.Duration
}

// Request is one IPC request line.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one IPC response line.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *IPCError       `json:"error,omitempty"`
}

// IPCError is a structured IPC failure.
type IPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event is a server-initiated notification, received after Subscribe.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AgentStatus mirrors the agent's self-report.
type AgentStatus struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid"`
	NodeID        string    `json:"node_id"`
	Uptime        string    `json:"uptime"`
	StartTime     time.Time `json:"start_time"`
	ListenAddr    string    `json:"listen_addr"`
	RegistryURL   string    `json:"registry_url"`
	PeerCount     int       `json:"peer_count"`
	MessageCount  int       `json:"message_count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastError     string    `json:"last_error,omitempty"`
}

// Peer mirrors one entry of the agent's peer view.
type Peer struct {
	NodeID    string    `json:"node_id"`
	IPAddress string    `json:"ip_address"`
	Port      int       `json:"port"`
	PublicKey string    `json:"public_key,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message mirrors one history record.
type Message struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Peer      string    `json:"peer"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// SendAck mirrors the receiving peer's acknowledgment.
type SendAck struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LogRecord mirrors one captured log entry.
type LogRecord struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// ErrAgentNotRunning is returned when no agent answers on the control socket.
var ErrAgentNotRunning = errors.New("agent is not running")

// ConnectAgent connects to the agent at the default socket path.
func ConnectAgent() (*Agent, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return ConnectAgentTo(paths.SocketPath)
}

// ConnectAgentTo connects to the agent at a specific socket path.
func ConnectAgentTo(socketPath string) (*Agent, error) {
	conn, err := dialIPC(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to agent: %w", err)
	}

	reader := bufio.NewReader(conn)
	return &Agent{
		conn:    conn,
		reader:  reader,
		writer:  bufio.NewWriter(conn),
		decoder: json.NewDecoder(reader),
		timeout: 30 * time.Second,
	}, nil
}

// Close closes the connection.
func (c *Agent) Close() error {
	return c.conn.Close()
}

// SetTimeout sets the per-call timeout.
func (c *Agent) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Call makes one IPC call and returns the raw result.
func (c *Agent) Call(method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := fmt.Sprintf("%d", atomic.AddUint64(&c.reqID, 1))

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	req := Request{
		ID:     id,
		Method: method,
		Params: paramsJSON,
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	encoder := json.NewEncoder(c.writer)
	if err := encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	return resp.Result, nil
}

// CallResult makes one IPC call and unmarshals the result.
func (c *Agent) CallResult(method string, params interface{}, result interface{}) error {
	raw, err := c.Call(method, params)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// Status returns the agent's status.
func (c *Agent) Status() (*AgentStatus, error) {
	var status AgentStatus
	if err := c.CallResult("status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers returns the agent's current peer view.
func (c *Agent) Peers() ([]Peer, error) {
	var peers []Peer
	if err := c.CallResult("peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// RefreshPeers forces a discovery round and returns the refreshed view.
func (c *Agent) RefreshPeers() ([]Peer, error) {
	var peers []Peer
	if err := c.CallResult("peers.refresh", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// SendMessage tells the agent to deliver one message to a peer.
func (c *Agent) SendMessage(to, msgType, payload string) (*SendAck, error) {
	params := map[string]any{
		"to":      to,
		"type":    msgType,
		"payload": payload,
	}
	var ack SendAck
	if err := c.CallResult("send", params, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// History returns up to limit recent message records.
func (c *Agent) History(limit int) ([]Message, error) {
	params := map[string]any{"limit": limit}
	var msgs []Message
	if err := c.CallResult("history", params, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Logs returns recent log entries at or above level.
func (c *Agent) Logs(level string, limit int) ([]LogRecord, error) {
	params := map[string]any{"level": level, "limit": limit}
	var logs []LogRecord
	if err := c.CallResult("logs", params, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Subscribe asks the agent to stream events on this connection.
func (c *Agent) Subscribe() error {
	_, err := c.Call("subscribe", nil)
	return err
}

// ReadEvent blocks for the next event. Use after Subscribe.
func (c *Agent) ReadEvent() (*Event, error) {
	var event Event
	if err := c.decoder.Decode(&event); err != nil {
		return nil, err
	}
	return &event, nil
}

// StopAgent asks the agent to shut down.
func (c *Agent) StopAgent() error {
	_, err := c.Call("stop", nil)
	return err
}

// Ping checks that the agent answers.
func (c *Agent) Ping() error {
	_, err := c.Status()
	return err
}

// IsAgentRunning reports whether an agent answers on the default socket.
func IsAgentRunning() bool {
	c, err := ConnectAgent()
	if err != nil {
		return false
	}
	defer c.Close()

	return c.Ping() == nil
}

// RequireAgent returns ErrAgentNotRunning unless an agent is reachable.
func RequireAgent() error {
	if !IsAgentRunning() {
		return ErrAgentNotRunning
	}
	return nil
}

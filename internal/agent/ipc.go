package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/protocol"
)

// Request is an IPC request from a CLI client. One JSON object per line.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error carries a structured IPC failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event is a server-initiated notification, delivered to subscribed clients.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPC event names.
const (
	EventMessageReceived = "message.received"
	EventPeerJoined      = "peer.joined"
	EventPeerLeft        = "peer.left"
)

// IPC error codes.
const (
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeNotFound       = -32000
)

// NewEvent builds an event, marshaling the payload. Marshal failures drop
// the payload rather than the event.
func NewEvent(name string, payload any) *Event {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to encode event payload", "event", name, "error", err)
		return &Event{Event: name}
	}
	return &Event{Event: name, Payload: data}
}

// IPCServer serves agent control requests over the local socket.
type IPCServer struct {
	socketPath string
	listener   net.Listener
	agent      *Agent
	clients    map[*IPCClient]bool
	clientsMu  sync.RWMutex
	done       chan struct{}
}

// IPCClient is one connected control client.
type IPCClient struct {
	conn       net.Conn
	writer     *bufio.Writer
	writerMu   sync.Mutex
	subscribed bool
}

// NewIPCServer creates an IPC server bound to the agent.
func NewIPCServer(socketPath string, a *Agent) *IPCServer {
	return &IPCServer{
		socketPath: socketPath,
		agent:      a,
		clients:    make(map[*IPCClient]bool),
		done:       make(chan struct{}),
	}
}

// Start begins listening on the control socket.
func (s *IPCServer) Start(ctx context.Context) error {
	listener, err := createIPCListener(s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	_, address := getIPCAddress(s.socketPath)
	slog.Info("IPC server listening", "address", address)

	go s.acceptLoop(ctx)

	return nil
}

// Stop closes the listener and all client connections.
func (s *IPCServer) Stop() {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}

	s.clientsMu.Lock()
	for client := range s.clients {
		client.conn.Close()
	}
	s.clientsMu.Unlock()

	cleanupIPCListener(s.socketPath)
}

func (s *IPCServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("IPC accept error", "error", err)
				continue
			}
		}

		client := &IPCClient{
			conn:   conn,
			writer: bufio.NewWriter(conn),
		}

		s.clientsMu.Lock()
		s.clients[client] = true
		s.clientsMu.Unlock()

		go s.handleClient(ctx, client)
	}
}

func (s *IPCServer) handleClient(ctx context.Context, client *IPCClient) {
	defer func() {
		client.conn.Close()
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
	}()

	decoder := json.NewDecoder(bufio.NewReader(client.conn))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		var req Request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("IPC decode error", "error", err)
			continue
		}

		resp := s.handleRequest(ctx, client, &req)
		if err := client.SendResponse(resp); err != nil {
			slog.Debug("IPC send error", "error", err)
			return
		}
	}
}

func (s *IPCServer) handleRequest(ctx context.Context, client *IPCClient, req *Request) *Response {
	handler, ok := ipcHandlers[req.Method]
	if !ok {
		return &Response{
			ID: req.ID,
			Error: &Error{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method not found: %s", req.Method),
			},
		}
	}

	result, err := handler(ctx, s.agent, client, req.Params)
	if err != nil {
		code := ErrCodeInternalError
		if errors.Is(err, ErrPeerNotFound) {
			code = ErrCodeNotFound
		}
		return &Response{
			ID:    req.ID,
			Error: &Error{Code: code, Message: err.Error()},
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &Response{
			ID:    req.ID,
			Error: &Error{Code: ErrCodeInternalError, Message: "failed to encode result"},
		}
	}

	return &Response{
		ID:     req.ID,
		Result: resultJSON,
	}
}

// SendResponse writes one response line to the client.
func (c *IPCClient) SendResponse(resp *Response) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	encoder := json.NewEncoder(c.writer)
	if err := encoder.Encode(resp); err != nil {
		return err
	}
	return c.writer.Flush()
}

// SendEvent writes one event line, if the client subscribed.
func (c *IPCClient) SendEvent(event *Event) error {
	if !c.subscribed {
		return nil
	}

	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	encoder := json.NewEncoder(c.writer)
	if err := encoder.Encode(event); err != nil {
		return err
	}
	return c.writer.Flush()
}

// BroadcastEvent delivers an event to every subscribed client.
func (s *IPCServer) BroadcastEvent(event *Event) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		if client.subscribed {
			go client.SendEvent(event)
		}
	}
}

// IPCHandler handles one IPC method.
type IPCHandler func(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error)

var ipcHandlers = map[string]IPCHandler{
	"status":        handleIPCStatus,
	"peers":         handleIPCPeers,
	"peers.refresh": handleIPCPeersRefresh,
	"send":          handleIPCSend,
	"history":       handleIPCHistory,
	"logs":          handleIPCLogs,
	"subscribe":     handleIPCSubscribe,
	"stop":          handleIPCStop,
}

func handleIPCStatus(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	return a.Status(), nil
}

func handleIPCPeers(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	return a.Peers(), nil
}

func handleIPCPeersRefresh(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	return a.RefreshPeers(ctx)
}

func handleIPCSend(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	var req struct {
		To      string `json:"to"`
		Type    string `json:"type"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if req.To == "" {
		return nil, fmt.Errorf("to is required")
	}

	msgType := protocol.MessageType(req.Type)
	if msgType == "" {
		msgType = protocol.MsgText
	}

	return a.Send(ctx, req.To, msgType, req.Payload)
}

func handleIPCHistory(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return a.History(req.Limit), nil
}

func handleIPCLogs(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	var req struct {
		Level string `json:"level"`
		Limit int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return a.Logs(LogQuery{Level: req.Level, Limit: req.Limit}), nil
}

func handleIPCSubscribe(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	client.subscribed = true
	return map[string]bool{"subscribed": true}, nil
}

func handleIPCStop(ctx context.Context, a *Agent, client *IPCClient, params json.RawMessage) (interface{}, error) {
	// Delay the shutdown a moment so the response reaches the client.
	time.AfterFunc(100*time.Millisecond, a.Shutdown)
	return map[string]bool{"stopping": true}, nil
}

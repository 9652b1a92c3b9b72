package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every registry request
const DefaultTimeout = 5 * time.Second

// NodeInfo is a registry record as returned by the signaling server
type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	IPAddress     string    `json:"ip_address"`
	Port          int       `json:"port"`
	PublicKey     string    `json:"public_key"`
	LastSeen      time.Time `json:"last_seen"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// Addr returns the dialable host:port for the node
func (n *NodeInfo) Addr() string {
	return fmt.Sprintf("%s:%d", n.IPAddress, n.Port)
}

// Health is the signaling server's health report
type Health struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	ActiveNodes int       `json:"active_nodes"`
}

// ServiceInfo is the signaling server's service descriptor
type ServiceInfo struct {
	Service     string            `json:"service"`
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Endpoints   map[string]string `json:"endpoints"`
	ActiveNodes int               `json:"active_nodes"`
	Timestamp   time.Time         `json:"timestamp"`
}

// APIError is a non-2xx response from the signaling server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the registry
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsValidation reports whether err is a 400 from the registry
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest
}

// Registry is an HTTP client for the signaling protocol
type Registry struct {
	baseURL    string
	httpClient *http.Client
}

// NewRegistry creates a client for the signaling server at baseURL. A URL
// without a scheme gets http:// prepended.
func NewRegistry(baseURL string) *Registry {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Registry{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// BaseURL returns the normalized server URL
func (r *Registry) BaseURL() string {
	return r.baseURL
}

// Register announces this node to the registry and returns the stored
// record. The registry fills in the source IP itself.
func (r *Registry) Register(ctx context.Context, nodeID string, port int, publicKey string) (*NodeInfo, error) {
	req := map[string]interface{}{
		"node_id": nodeID,
		"port":    port,
	}
	if publicKey != "" {
		req["public_key"] = publicKey
	}

	var resp struct {
		Status   string   `json:"status"`
		Message  string   `json:"message"`
		NodeInfo NodeInfo `json:"node_info"`
	}
	if err := r.post(ctx, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp.NodeInfo, nil
}

// Heartbeat refreshes this node's liveness record
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	return r.post(ctx, "/heartbeat", map[string]string{"node_id": nodeID}, nil)
}

// Discover returns the current peer set, excluding nodeID itself
func (r *Registry) Discover(ctx context.Context, nodeID string) ([]NodeInfo, error) {
	var resp struct {
		Status    string     `json:"status"`
		PeerCount int        `json:"peer_count"`
		Peers     []NodeInfo `json:"peers"`
	}
	if err := r.get(ctx, "/discover?node_id="+url.QueryEscape(nodeID), &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// Unregister removes this node's record immediately
func (r *Registry) Unregister(ctx context.Context, nodeID string) error {
	return r.post(ctx, "/unregister", map[string]string{"node_id": nodeID}, nil)
}

// Nodes returns the full diagnostic listing
func (r *Registry) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var resp struct {
		TotalNodes int        `json:"total_nodes"`
		Nodes      []NodeInfo `json:"nodes"`
	}
	if err := r.get(ctx, "/nodes", &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Health fetches the health report
func (r *Registry) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := r.get(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ServiceInfo fetches the service descriptor
func (r *Registry) ServiceInfo(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := r.get(ctx, "/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Metrics fetches the raw metrics snapshot
func (r *Registry) Metrics(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.get(ctx, "/metrics", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *Registry) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return r.do(req, out)
}

func (r *Registry) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	return r.do(req, out)
}

func (r *Registry) do(req *http.Request, out interface{}) error {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&failure)
		message := failure.Error
		if message == "" {
			message = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

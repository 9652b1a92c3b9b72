package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSServiceType is the mDNS service type for the signaling server
	MDNSServiceType = "_mesh-registry._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."
)

// Announcer advertises the signaling server on the local network so nodes
// can find it without a configured registry URL
type Announcer struct {
	instance string
	port     int

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAnnouncer creates an announcer for the given instance name and port.
// An empty instance name falls back to the sanitized hostname.
func NewAnnouncer(instance string, port int) *Announcer {
	if instance == "" {
		instance = SanitizedHostname()
	}
	return &Announcer{instance: instance, port: port}
}

// Start registers the service via mDNS
func (a *Announcer) Start() error {
	txt := []string{
		fmt.Sprintf("v=%s", serviceVersion),
		"api=http",
	}

	// Passing nil for interfaces uses all available
	server, err := zeroconf.Register(a.instance, MDNSServiceType, MDNSDomain, a.port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	slog.Info("mDNS advertisement registered",
		"instance", a.instance,
		"type", MDNSServiceType,
		"port", a.port,
	)
	return nil
}

// Stop withdraws the advertisement
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		slog.Info("mDNS advertisement withdrawn")
	}
}

// DiscoveredRegistry is a signaling server found on the local network
type DiscoveredRegistry struct {
	Instance string
	Host     string
	Port     int
	IPs      []net.IP
	Version  string
}

// URL returns the base HTTP URL for the discovered registry
func (d *DiscoveredRegistry) URL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// BrowseRegistries scans the local network for signaling servers until
// the timeout elapses and returns everything found
func BrowseRegistries(ctx context.Context, timeout time.Duration) ([]DiscoveredRegistry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		found []DiscoveredRegistry
	)

	go func() {
		for entry := range entries {
			reg := registryFromEntry(entry)
			mu.Lock()
			found = append(found, reg)
			mu.Unlock()

			slog.Debug("mDNS registry discovered",
				"instance", reg.Instance,
				"addr", fmt.Sprintf("%s:%d", reg.Host, reg.Port),
			)
		}
	}()

	if err := resolver.Browse(browseCtx, MDNSServiceType, MDNSDomain, entries); err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}

	<-browseCtx.Done()

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func registryFromEntry(entry *zeroconf.ServiceEntry) DiscoveredRegistry {
	var version string
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, "v=") {
			version = txt[2:]
		}
	}

	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	// Prefer IPv4 for the host
	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}

	return DiscoveredRegistry{
		Instance: entry.Instance,
		Host:     host,
		Port:     entry.Port,
		IPs:      ips,
		Version:  version,
	}
}

// SanitizedHostname gets the system hostname reduced to mDNS-safe
// characters
func SanitizedHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "mesh-registry"
	}

	var sanitized strings.Builder
	for _, c := range strings.ToLower(hostname) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			sanitized.WriteRune(c)
		}
	}

	if sanitized.Len() == 0 {
		return "mesh-registry"
	}
	return sanitized.String()
}

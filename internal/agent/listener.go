package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/protocol"
)

const (
	// acceptPollInterval bounds each Accept call so shutdown is observed
	// promptly even when no peer ever connects.
	acceptPollInterval = 1 * time.Second

	// connIOTimeout bounds the envelope read and ack write on an inbound
	// connection. A peer that stalls mid-frame loses only that connection.
	connIOTimeout = 10 * time.Second

	// limiterCleanupInterval is how often the accept loop prunes stale
	// limiter state for departed IPs.
	limiterCleanupInterval = 10 * time.Minute
)

// ListenerOptions configures a peer listener.
type ListenerOptions struct {
	NodeID  string
	Host    string
	Port    int
	Limiter *ConnectionLimiter
	History *MessageHistory

	// OnMessage is invoked after an envelope has been accepted and acked.
	// It runs on the connection's goroutine, so it must not block.
	OnMessage func(*protocol.Envelope)
}

// Listener accepts inbound peer connections. Each connection carries exactly
// one envelope/ack exchange and is then closed; there is no session state.
type Listener struct {
	nodeID    string
	host      string
	port      int
	limiter   *ConnectionLimiter
	history   *MessageHistory
	onMessage func(*protocol.Envelope)

	ln       *net.TCPListener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener creates a listener. Nil Limiter or History get defaults.
func NewListener(opts ListenerOptions) *Listener {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewConnectionLimiter(nil)
	}
	history := opts.History
	if history == nil {
		history = NewMessageHistory(HistorySize)
	}

	return &Listener{
		nodeID:    opts.NodeID,
		host:      opts.Host,
		port:      opts.Port,
		limiter:   limiter,
		history:   history,
		onMessage: opts.OnMessage,
		done:      make(chan struct{}),
	}
}

// Start binds the listen port and begins accepting. A bind failure is
// returned synchronously; the caller treats it as fatal.
func (l *Listener) Start() error {
	addr := net.JoinHostPort(l.host, strconv.Itoa(l.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	l.ln = ln.(*net.TCPListener)

	slog.Info("peer listener started", "addr", l.ln.Addr())

	l.wg.Add(1)
	go l.acceptLoop()

	return nil
}

// Stop closes the listener and waits for in-flight connections to finish.
// Safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		if l.ln != nil {
			l.ln.Close()
		}
		l.wg.Wait()
	})
}

// Addr returns the bound address, or "" before Start.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Port returns the bound port, useful when Start was given port 0.
func (l *Listener) Port() int {
	if l.ln == nil {
		return l.port
	}
	return l.ln.Addr().(*net.TCPAddr).Port
}

// History returns the message history shared with this listener.
func (l *Listener) History() *MessageHistory {
	return l.history
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	lastCleanup := time.Now()

	for {
		select {
		case <-l.done:
			return
		default:
		}

		if time.Since(lastCleanup) > limiterCleanupInterval {
			l.limiter.Cleanup()
			lastCleanup = time.Now()
		}

		l.ln.SetDeadline(time.Now().Add(acceptPollInterval))

		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-l.done:
				return
			default:
				slog.Error("peer accept error", "error", err)
				continue
			}
		}

		// Limits apply before any read
		if err := l.limiter.AllowConnection(conn.RemoteAddr()); err != nil {
			slog.Debug("connection rejected by limiter",
				"remote", conn.RemoteAddr(),
				"reason", err)
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

// handleConn performs the receiving half of the exchange protocol: read one
// framed envelope, answer with a framed ack, close. Malformed or oversized
// frames fail only this connection and count against the sender's IP.
func (l *Listener) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr()

	defer l.wg.Done()
	defer l.limiter.ReleaseConnection(remote)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(connIOTimeout))

	framer := protocol.NewFramer(conn, conn)

	env, err := framer.ReadEnvelope()
	if err != nil {
		slog.Warn("rejected inbound frame", "remote", remote, "error", err)
		l.limiter.RecordFailure(remote)
		return
	}

	if err := framer.WriteAck(protocol.NewAck()); err != nil {
		slog.Warn("failed to write ack", "remote", remote, "error", err)
		return
	}

	l.limiter.RecordSuccess(remote)

	slog.Info("message received",
		"from", env.Source,
		"type", env.Type,
		"size", len(env.Payload),
	)

	l.history.Add(recordFromEnvelope(env, DirectionReceived, env.Source))

	if l.onMessage != nil {
		l.onMessage(env)
	}
}

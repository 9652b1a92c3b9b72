package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/protocol"
)

const (
	// sendDialTimeout bounds the TCP connect to a peer.
	sendDialTimeout = 5 * time.Second

	// sendIOTimeout bounds the envelope write plus the ack read.
	sendIOTimeout = 10 * time.Second
)

// ErrPeerNotFound is returned when a send targets a peer the local view does
// not know. No connection is attempted in that case.
var ErrPeerNotFound = errors.New("peer not known")

// Sender performs one-shot envelope/ack exchanges with peers from a PeerView.
// Every send opens a fresh connection; there is no pooling or reuse.
type Sender struct {
	nodeID  string
	peers   *PeerView
	history *MessageHistory
}

// NewSender creates a sender for the given local identity and peer view.
func NewSender(nodeID string, peers *PeerView, history *MessageHistory) *Sender {
	return &Sender{
		nodeID:  nodeID,
		peers:   peers,
		history: history,
	}
}

// Send delivers one payload to peerID and returns the peer's ack. The peer
// must already be in the local view; a cached-but-departed peer surfaces as a
// connect error, not ErrPeerNotFound.
func (s *Sender) Send(ctx context.Context, peerID string, msgType protocol.MessageType, payload any) (*protocol.Ack, error) {
	peer, ok := s.peers.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	env, err := protocol.NewEnvelope(s.nodeID, peerID, msgType, payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ack, err := s.exchange(ctx, peer.Addr(), env)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", peerID, err)
	}

	slog.Debug("message acked",
		"peer", peerID,
		"type", msgType,
		"status", ack.Status,
	)

	if s.history != nil {
		s.history.Add(recordFromEnvelope(env, DirectionSent, peerID))
	}

	return ack, nil
}

// exchange runs the sending half of the protocol over one fresh connection:
// dial, write one framed envelope, block for the framed ack, close.
func (s *Sender) exchange(ctx context.Context, addr string, env *protocol.Envelope) (*protocol.Ack, error) {
	dialer := net.Dialer{Timeout: sendDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sendIOTimeout))

	framer := protocol.NewFramer(conn, conn)

	if err := framer.WriteEnvelope(env); err != nil {
		return nil, err
	}

	ack, err := framer.ReadAck()
	if err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}

	return ack, nil
}

package realtime

import (
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Relay forwards WebRTC negotiation envelopes between a room's host and its
// viewers. Payloads are opaque beyond shape validation; no media passes
// through here. Routing is strictly per-viewer: the host negotiates a
// distinct offer/answer/ICE exchange with each viewer, addressed by the
// viewer's connection id (peerId).
type Relay struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRelay creates a signaling relay bound to a registry.
func NewRelay(registry *Registry, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{registry: registry, logger: logger}
}

// Handle routes one signaling envelope by type.
func (rl *Relay) Handle(c *Client, m SignalMessage) error {
	switch m.Type {
	case TypeOffer:
		return rl.RelayOffer(c, m)
	case TypeAnswer:
		return rl.RelayAnswer(c, m)
	case TypeICECandidate:
		return rl.RelayICECandidate(c, m)
	case TypeRequestOffer:
		return rl.RequestOffer(c, m)
	default:
		return ErrMalformedEnvelope
	}
}

// RelayOffer forwards a host's SDP offer to the one viewer named by peerId.
// Fails with ErrNotHost if the sender is not the room's current host. Offers
// for a peer that already left are dropped (at-most-once, no retry).
func (rl *Relay) RelayOffer(c *Client, m SignalMessage) error {
	if m.SDP == nil || m.SDP.Type != webrtc.SDPTypeOffer {
		rl.dropInvalid(c, m, "offer without SDP payload")
		return nil
	}
	if m.PeerID == "" {
		rl.dropInvalid(c, m, "offer without target peerId")
		return nil
	}
	r, ok := rl.registry.room(m.StreamID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host == nil || r.host.ID != c.ID {
		return ErrNotHost
	}
	target, ok := r.viewers[m.PeerID]
	if !ok {
		rl.dropUnknownPeer(c, m)
		return nil
	}
	target.sendEvent(SignalMessage{
		Type: TypeOffer, StreamID: r.id, PeerID: m.PeerID, SDP: m.SDP,
	})
	return nil
}

// RelayAnswer forwards a viewer's SDP answer to the room's host only, tagged
// with the viewer's connection id.
func (rl *Relay) RelayAnswer(c *Client, m SignalMessage) error {
	if m.SDP == nil || m.SDP.Type != webrtc.SDPTypeAnswer {
		rl.dropInvalid(c, m, "answer without SDP payload")
		return nil
	}
	r, ok := rl.registry.room(m.StreamID)
	if !ok {
		return ErrNotAMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, member := r.viewers[c.ID]; !member {
		return ErrNotAMember
	}
	if r.host == nil {
		rl.dropUnknownPeer(c, m)
		return nil
	}
	r.host.sendEvent(SignalMessage{
		Type: TypeAnswer, StreamID: r.id, PeerID: c.ID, SDP: m.SDP,
	})
	return nil
}

// RelayICECandidate forwards an ICE candidate to the counterpart of the
// sender's negotiation leg: host -> the viewer named by peerId, viewer -> the
// host. Candidates arriving before the counterpart is registered are dropped.
func (rl *Relay) RelayICECandidate(c *Client, m SignalMessage) error {
	if m.Candidate == nil {
		rl.dropInvalid(c, m, "ice-candidate without candidate payload")
		return nil
	}
	r, ok := rl.registry.room(m.StreamID)
	if !ok {
		return ErrNotAMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host != nil && r.host.ID == c.ID {
		target, ok := r.viewers[m.PeerID]
		if !ok {
			rl.dropUnknownPeer(c, m)
			return nil
		}
		target.sendEvent(SignalMessage{
			Type: TypeICECandidate, StreamID: r.id, PeerID: m.PeerID, Candidate: m.Candidate,
		})
		return nil
	}
	if _, member := r.viewers[c.ID]; !member {
		return ErrNotAMember
	}
	if r.host == nil {
		rl.dropUnknownPeer(c, m)
		return nil
	}
	r.host.sendEvent(SignalMessage{
		Type: TypeICECandidate, StreamID: r.id, PeerID: c.ID, Candidate: m.Candidate,
	})
	return nil
}

// RequestOffer asks the host to (re)initiate an offer for the requesting
// viewer; used when a viewer joins after the host's media session started.
func (rl *Relay) RequestOffer(c *Client, m SignalMessage) error {
	r, ok := rl.registry.room(m.StreamID)
	if !ok {
		return ErrNotAMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, member := r.viewers[c.ID]; !member {
		return ErrNotAMember
	}
	if r.host == nil {
		rl.dropUnknownPeer(c, m)
		return nil
	}
	r.host.sendEvent(SignalMessage{
		Type: TypeRequestOffer, StreamID: r.id, PeerID: c.ID,
	})
	return nil
}

func (rl *Relay) dropInvalid(c *Client, m SignalMessage, reason string) {
	rl.logger.Warn("dropping signaling envelope",
		zap.String("connection_id", c.ID),
		zap.String("stream_id", m.StreamID),
		zap.String("message_type", string(m.Type)),
		zap.String("reason", reason))
}

func (rl *Relay) dropUnknownPeer(c *Client, m SignalMessage) {
	rl.logger.Debug("signaling counterpart not registered, dropped",
		zap.String("connection_id", c.ID),
		zap.String("stream_id", m.StreamID),
		zap.String("peer_id", m.PeerID),
		zap.String("message_type", string(m.Type)))
}

package realtime

import (
	"testing"

	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(t *testing.T) (*Registry, *Relay, *Client, *Client, *Client) {
	t.Helper()
	reg := newTestRegistry(DefaultOptions())
	relay := NewRelay(reg, nil)
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	v1 := newTestClient("u1", "bob")
	v2 := newTestClient("u2", "carol")
	require.NoError(t, reg.JoinAsViewer(v1, "s1"))
	require.NoError(t, reg.JoinAsViewer(v2, "s1"))
	drainEvents(t, host)
	drainEvents(t, v1)
	drainEvents(t, v2)
	return reg, relay, host, v1, v2
}

func sdpOffer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

func sdpAnswer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
}

func candidate() *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"}
}

func TestOfferRoutedToTargetViewerOnly(t *testing.T) {
	_, relay, host, v1, v2 := newTestRoom(t)

	err := relay.Handle(host, SignalMessage{
		Type: TypeOffer, StreamID: "s1", PeerID: v1.ID, SDP: sdpOffer(),
	})
	require.NoError(t, err)

	got := eventsOfType(t, v1, TypeOffer)
	require.Len(t, got, 1)
	assert.Equal(t, v1.ID, got[0]["peerId"])
	sdp := got[0]["sdp"].(map[string]any)
	assert.Equal(t, "offer", sdp["type"])

	assert.Empty(t, drainEvents(t, v2))
	assert.Empty(t, drainEvents(t, host))
}

func TestOfferFromNonHost(t *testing.T) {
	_, relay, _, v1, v2 := newTestRoom(t)

	err := relay.Handle(v1, SignalMessage{
		Type: TypeOffer, StreamID: "s1", PeerID: v2.ID, SDP: sdpOffer(),
	})
	assert.ErrorIs(t, err, ErrNotHost)
	assert.Empty(t, drainEvents(t, v2))
}

func TestOfferDroppedWithoutTargetOrSDP(t *testing.T) {
	_, relay, host, v1, _ := newTestRoom(t)

	// no peerId: dropped, no error envelope back
	require.NoError(t, relay.Handle(host, SignalMessage{
		Type: TypeOffer, StreamID: "s1", SDP: sdpOffer(),
	}))
	// no SDP payload
	require.NoError(t, relay.Handle(host, SignalMessage{
		Type: TypeOffer, StreamID: "s1", PeerID: v1.ID,
	}))
	// peer already gone
	require.NoError(t, relay.Handle(host, SignalMessage{
		Type: TypeOffer, StreamID: "s1", PeerID: "gone", SDP: sdpOffer(),
	}))
	assert.Empty(t, drainEvents(t, v1))
}

func TestOfferUnknownRoom(t *testing.T) {
	_, relay, host, _, _ := newTestRoom(t)
	err := relay.Handle(host, SignalMessage{
		Type: TypeOffer, StreamID: "nope", PeerID: "p", SDP: sdpOffer(),
	})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAnswerRoutedToHostTaggedWithSender(t *testing.T) {
	_, relay, host, v1, v2 := newTestRoom(t)

	err := relay.Handle(v1, SignalMessage{
		Type: TypeAnswer, StreamID: "s1", SDP: sdpAnswer(),
	})
	require.NoError(t, err)

	got := eventsOfType(t, host, TypeAnswer)
	require.Len(t, got, 1)
	assert.Equal(t, v1.ID, got[0]["peerId"])
	assert.Empty(t, drainEvents(t, v2))
}

func TestAnswerFromNonMember(t *testing.T) {
	_, relay, host, _, _ := newTestRoom(t)

	outsider := newTestClient("u9", "eve")
	err := relay.Handle(outsider, SignalMessage{
		Type: TypeAnswer, StreamID: "s1", SDP: sdpAnswer(),
	})
	assert.ErrorIs(t, err, ErrNotAMember)

	err = relay.Handle(outsider, SignalMessage{
		Type: TypeAnswer, StreamID: "nope", SDP: sdpAnswer(),
	})
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.Empty(t, drainEvents(t, host))
}

func TestICECandidateRouting(t *testing.T) {
	_, relay, host, v1, v2 := newTestRoom(t)

	// host -> the viewer named by peerId
	require.NoError(t, relay.Handle(host, SignalMessage{
		Type: TypeICECandidate, StreamID: "s1", PeerID: v1.ID, Candidate: candidate(),
	}))
	got := eventsOfType(t, v1, TypeICECandidate)
	require.Len(t, got, 1)
	assert.Equal(t, v1.ID, got[0]["peerId"])
	assert.Empty(t, drainEvents(t, v2))

	// viewer -> host, tagged with the viewer's connection id
	require.NoError(t, relay.Handle(v2, SignalMessage{
		Type: TypeICECandidate, StreamID: "s1", Candidate: candidate(),
	}))
	got = eventsOfType(t, host, TypeICECandidate)
	require.Len(t, got, 1)
	assert.Equal(t, v2.ID, got[0]["peerId"])
}

func TestICECandidateUnknownPeerDropped(t *testing.T) {
	_, relay, host, v1, _ := newTestRoom(t)

	require.NoError(t, relay.Handle(host, SignalMessage{
		Type: TypeICECandidate, StreamID: "s1", PeerID: "gone", Candidate: candidate(),
	}))
	assert.Empty(t, drainEvents(t, v1))

	outsider := newTestClient("u9", "eve")
	err := relay.Handle(outsider, SignalMessage{
		Type: TypeICECandidate, StreamID: "s1", Candidate: candidate(),
	})
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestRequestOfferReachesHost(t *testing.T) {
	_, relay, host, v1, _ := newTestRoom(t)

	require.NoError(t, relay.Handle(v1, SignalMessage{
		Type: TypeRequestOffer, StreamID: "s1",
	}))
	got := eventsOfType(t, host, TypeRequestOffer)
	require.Len(t, got, 1)
	assert.Equal(t, v1.ID, got[0]["peerId"])
}

func TestRequestOfferFromNonMember(t *testing.T) {
	_, relay, _, _, _ := newTestRoom(t)
	err := relay.Handle(newTestClient("u9", "eve"), SignalMessage{
		Type: TypeRequestOffer, StreamID: "s1",
	})
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestSignalingAfterStreamEnded(t *testing.T) {
	reg, relay, host, v1, _ := newTestRoom(t)

	reg.Leave(host)

	err := relay.Handle(v1, SignalMessage{
		Type: TypeAnswer, StreamID: "s1", SDP: sdpAnswer(),
	})
	assert.ErrorIs(t, err, ErrNotAMember)
}

package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// MessageType tags every envelope on the wire. The catalogue is closed:
// anything outside it is treated as malformed and dropped.
type MessageType string

// Client -> server.
const (
	TypeJoinStreamAsHost MessageType = "join_stream_as_host"
	TypeJoinStream       MessageType = "join_stream"
	TypeLeaveStream      MessageType = "leave_stream"
	TypeSendChatMessage  MessageType = "send_chat_message"
	TypeSendReaction     MessageType = "send_reaction"
)

// Bidirectional WebRTC signaling.
const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeRequestOffer MessageType = "request-offer"
)

// Server -> client.
const (
	TypeStreamJoined      MessageType = "stream_joined"
	TypeViewerCountUpdate MessageType = "viewer_count_update"
	TypeChatMessage       MessageType = "chat_message"
	TypeUserJoined        MessageType = "user_joined"
	TypeUserLeft          MessageType = "user_left"
	TypeReaction          MessageType = "reaction"
	TypeStreamEnded       MessageType = "stream_ended"
	TypeError             MessageType = "error"
)

var knownTypes = map[MessageType]struct{}{
	TypeJoinStreamAsHost: {}, TypeJoinStream: {}, TypeLeaveStream: {},
	TypeSendChatMessage: {}, TypeSendReaction: {},
	TypeOffer: {}, TypeAnswer: {}, TypeICECandidate: {}, TypeRequestOffer: {},
}

// EnvelopeType extracts and validates the type tag of a raw inbound frame.
func EnvelopeType(raw []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if _, ok := knownTypes[head.Type]; !ok {
		return "", fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, head.Type)
	}
	return head.Type, nil
}

// JoinStreamMessage is sent by a client joining a stream, as host or viewer.
// The user identity fields are display metadata; the authoritative user id
// comes from the connection's JWT.
type JoinStreamMessage struct {
	Type       MessageType `json:"type"`
	StreamID   string      `json:"streamId"`
	UserID     string      `json:"userId"`
	Username   string      `json:"username"`
	UserAvatar string      `json:"userAvatar"`
	Title      string      `json:"title,omitempty"` // host only
}

// LeaveStreamMessage is sent by a client leaving its current stream.
type LeaveStreamMessage struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"streamId"`
}

// SendChatMessage carries an outbound chat body from a client.
type SendChatMessage struct {
	Type       MessageType `json:"type"`
	StreamID   string      `json:"streamId"`
	Message    string      `json:"message"`
	UserID     string      `json:"userId"`
	Username   string      `json:"username"`
	UserAvatar string      `json:"userAvatar"`
}

// SendReactionMessage carries a fire-and-forget reaction from a client.
type SendReactionMessage struct {
	Type         MessageType `json:"type"`
	StreamID     string      `json:"streamId"`
	ReactionType string      `json:"reactionType"`
	UserID       string      `json:"userId"`
	Username     string      `json:"username"`
	UserAvatar   string      `json:"userAvatar"`
}

// SignalMessage is a WebRTC negotiation envelope. The SDP/candidate payload is
// opaque to the relay beyond shape validation; PeerID addresses the viewer leg
// of the (host, viewer) pair being negotiated. Host -> server envelopes must
// set PeerID to the target viewer's connection id; server -> host envelopes
// carry the originating viewer's connection id.
type SignalMessage struct {
	Type      MessageType                `json:"type"`
	StreamID  string                     `json:"streamId"`
	PeerID    string                     `json:"peerId,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// ChatKind distinguishes relayed chat entries.
type ChatKind string

const (
	ChatKindMessage     ChatKind = "message"
	ChatKindJoinNotice  ChatKind = "join-notice"
	ChatKindLeaveNotice ChatKind = "leave-notice"
)

// ChatEvent is a server-stamped chat message broadcast to a room. The server
// owns MessageID and Timestamp; clients must not trust optimistic local ids
// for ordering.
type ChatEvent struct {
	Type       MessageType `json:"type"`
	StreamID   string      `json:"streamId"`
	MessageID  string      `json:"messageId"`
	UserID     string      `json:"userId"`
	Username   string      `json:"username"`
	UserAvatar string      `json:"userAvatar"`
	Message    string      `json:"message"`
	Kind       ChatKind    `json:"kind"`
	Timestamp  int64       `json:"timestamp"` // unix millis
}

// ViewerCountEvent is an absolute viewer-count snapshot, not a delta.
type ViewerCountEvent struct {
	Type        MessageType `json:"type"`
	StreamID    string      `json:"streamId"`
	ViewerCount int         `json:"viewerCount"`
}

// PresenceEvent announces a viewer joining or leaving.
type PresenceEvent struct {
	Type       MessageType `json:"type"`
	StreamID   string      `json:"streamId"`
	UserID     string      `json:"userId"`
	Username   string      `json:"username"`
	UserAvatar string      `json:"userAvatar"`
}

// ReactionEvent is a relayed reaction.
type ReactionEvent struct {
	Type         MessageType `json:"type"`
	StreamID     string      `json:"streamId"`
	ReactionType string      `json:"reactionType"`
	UserID       string      `json:"userId"`
	Username     string      `json:"username"`
	UserAvatar   string      `json:"userAvatar"`
}

// StreamEndedEvent tells remaining viewers the broadcast is over.
type StreamEndedEvent struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"streamId"`
}

// Member is one entry in the membership snapshot sent to joining clients.
type Member struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	UserAvatar   string `json:"userAvatar"`
	Role         string `json:"role"`
}

// StreamJoinedEvent is returned privately to a client that joined a stream:
// its own connection id (used as peerId in signaling), the current membership,
// the recent chat window and the ICE servers to dial.
type StreamJoinedEvent struct {
	Type         MessageType        `json:"type"`
	StreamID     string             `json:"streamId"`
	ConnectionID string             `json:"connectionId"`
	Title        string             `json:"title"`
	Role         string             `json:"role"`
	ViewerCount  int                `json:"viewerCount"`
	Members      []Member           `json:"members"`
	RecentChat   []ChatEvent        `json:"recentChat,omitempty"`
	ICEServers   []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// ErrorEvent is a private typed error envelope returned only to the offending
// sender, never broadcast.
type ErrorEvent struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"streamId,omitempty"`
	Code     string      `json:"code"`
	Message  string      `json:"message"`
}

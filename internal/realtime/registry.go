package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const janitorInterval = 30 * time.Second

// Role values for a connection within a room.
const (
	RoleHost   = "host"
	RoleViewer = "viewer"
)

// Options tunes the registry.
type Options struct {
	ChatHistorySize int           // recent messages replayed to late joiners
	MaxChatLength   int           // chat body cap in runes
	RoomGrace       time.Duration // empty room lifetime before janitor teardown
	ICEServers      []webrtc.ICEServer
}

// DefaultOptions returns the registry defaults used when a field is zero.
func DefaultOptions() Options {
	return Options{
		ChatHistorySize: 50,
		MaxChatLength:   500,
		RoomGrace:       time.Minute,
	}
}

// ViewerCountHandler is called after every membership change with the room's
// current viewer count (e.g. for peak tracking).
type ViewerCountHandler func(streamID string, count int)

// PresenceHandler is called when a user joins a room, with its role.
type PresenceHandler func(streamID, userID, role string)

// LeaveHandler is called when a user leaves a room.
type LeaveHandler func(streamID, userID, role string, joinedAt time.Time)

// StreamEndedHandler is called once when a room transitions to ended.
type StreamEndedHandler func(streamID string)

// Publisher publishes a room event for other instances.
type Publisher interface {
	PublishStreamEvent(streamID string, payload []byte) error
}

// Subscriber subscribes to a stream's channel and invokes handler for events
// originating on other instances.
type Subscriber interface {
	SubscribeStream(streamID string, handler func(payload []byte)) (cancel func(), err error)
}

type roomState int

const (
	roomActive roomState = iota
	roomEnded
)

// Room is one live broadcast: a single host and a set of viewers. All
// membership mutation happens under mu, which is the room's serialization
// point and the source of the per-room chat ordering guarantee.
type Room struct {
	mu         sync.Mutex
	id         string
	title      string
	startedAt  time.Time
	host       *Client
	viewers    map[string]*Client // keyed by connection id
	history    []ChatEvent
	state      roomState
	emptySince time.Time
}

// Registry maintains the set of active rooms and enforces membership
// invariants. Cross-room operations are independent; the registry lock only
// guards the room table itself.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	subs   map[string]func() // cancel Redis subscription per stream
	logger *zap.Logger
	pub    Publisher
	sub    Subscriber
	opts   Options

	onViewerCount ViewerCountHandler
	onJoin        PresenceHandler
	onLeave       LeaveHandler
	onEnded       StreamEndedHandler
}

// NewRegistry creates a room registry. pub and sub may be nil for a single
// instance deployment.
func NewRegistry(logger *zap.Logger, pub Publisher, sub Subscriber, opts Options) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.ChatHistorySize <= 0 {
		opts.ChatHistorySize = def.ChatHistorySize
	}
	if opts.MaxChatLength <= 0 {
		opts.MaxChatLength = def.MaxChatLength
	}
	if opts.RoomGrace <= 0 {
		opts.RoomGrace = def.RoomGrace
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		subs:   make(map[string]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
		opts:   opts,
	}
}

// SetViewerCountHandler sets the viewer-count change callback.
func (reg *Registry) SetViewerCountHandler(fn ViewerCountHandler) { reg.onViewerCount = fn }

// SetPresenceHandlers sets join/leave callbacks (e.g. session logging).
func (reg *Registry) SetPresenceHandlers(onJoin PresenceHandler, onLeave LeaveHandler) {
	reg.onJoin = onJoin
	reg.onLeave = onLeave
}

// SetStreamEndedHandler sets the room teardown callback (e.g. finalize job).
func (reg *Registry) SetStreamEndedHandler(fn StreamEndedHandler) { reg.onEnded = fn }

// JoinAsHost creates the room for streamID and attaches c as its host.
// At most one live host per room: a second host fails with ErrRoomAlreadyHosted.
func (reg *Registry) JoinAsHost(c *Client, streamID, title string) error {
	reg.leaveIfElsewhere(c, streamID)

	reg.mu.Lock()
	r, ok := reg.rooms[streamID]
	if !ok {
		r = &Room{
			id:        streamID,
			title:     title,
			startedAt: time.Now(),
			viewers:   make(map[string]*Client),
			state:     roomActive,
		}
		reg.rooms[streamID] = r
		reg.subscribeLocked(streamID)
	}
	reg.mu.Unlock()

	r.mu.Lock()
	if r.state == roomEnded {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	if r.host != nil {
		if r.host.ID == c.ID {
			reg.sendSnapshotLocked(r, c, RoleHost)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		return ErrRoomAlreadyHosted
	}
	if title != "" {
		r.title = title
	}
	r.host = c
	r.emptySince = time.Time{}
	c.setMembership(streamID, RoleHost)

	reg.sendSnapshotLocked(r, c, RoleHost)
	reg.broadcastLocked(r, ViewerCountEvent{
		Type: TypeViewerCountUpdate, StreamID: r.id, ViewerCount: len(r.viewers),
	})
	welcome := ChatEvent{
		Type:       TypeChatMessage,
		StreamID:   r.id,
		MessageID:  uuid.New().String(),
		UserID:     c.UserID,
		Username:   c.Username,
		UserAvatar: c.AvatarURL,
		Message:    "Welcome to " + r.title,
		Kind:       ChatKindJoinNotice,
		Timestamp:  time.Now().UnixMilli(),
	}
	reg.appendHistoryLocked(r, welcome)
	reg.broadcastLocked(r, welcome)
	r.mu.Unlock()

	reg.logger.Debug("host joined stream",
		zap.String("stream_id", streamID), zap.String("connection_id", c.ID))
	if reg.onJoin != nil {
		reg.onJoin(streamID, c.UserID, RoleHost)
	}
	return nil
}

// JoinAsViewer adds c to an active room. Fails with ErrRoomNotFound if no
// live room matches. Idempotent for repeated joins from the same connection:
// the snapshot is resent but no duplicate membership or broadcast occurs.
func (reg *Registry) JoinAsViewer(c *Client, streamID string) error {
	reg.leaveIfElsewhere(c, streamID)

	r, ok := reg.room(streamID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	if r.state == roomEnded {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	if _, dup := r.viewers[c.ID]; dup {
		reg.sendSnapshotLocked(r, c, RoleViewer)
		r.mu.Unlock()
		return nil
	}
	r.viewers[c.ID] = c
	count := len(r.viewers)
	r.emptySince = time.Time{}
	c.setMembership(streamID, RoleViewer)

	reg.sendSnapshotLocked(r, c, RoleViewer)
	reg.broadcastLocked(r, PresenceEvent{
		Type: TypeUserJoined, StreamID: r.id,
		UserID: c.UserID, Username: c.Username, UserAvatar: c.AvatarURL,
	})
	reg.broadcastLocked(r, ViewerCountEvent{
		Type: TypeViewerCountUpdate, StreamID: r.id, ViewerCount: count,
	})
	r.mu.Unlock()

	reg.logger.Debug("viewer joined stream",
		zap.String("stream_id", streamID), zap.String("connection_id", c.ID))
	if reg.onJoin != nil {
		reg.onJoin(streamID, c.UserID, RoleViewer)
	}
	if reg.onViewerCount != nil {
		reg.onViewerCount(streamID, count)
	}
	return nil
}

// leaveIfElsewhere detaches c from its current room before it joins another.
// A connection holds a single membership slot; without this, switching streams
// would leave a ghost member in the first room.
func (reg *Registry) leaveIfElsewhere(c *Client, streamID string) {
	if prev, _ := c.membership(); prev != "" && prev != streamID {
		reg.Leave(c)
	}
}

// Leave removes c from whichever room it belongs to. A departing host ends
// the room: every remaining viewer receives exactly one stream_ended and the
// room becomes unreachable. Idempotent; safe to call on disconnect after an
// explicit leave_stream.
func (reg *Registry) Leave(c *Client) {
	streamID, role, joinedAt := c.clearMembership()
	if streamID == "" {
		return
	}
	r, ok := reg.room(streamID)
	if !ok {
		return
	}

	if role == RoleHost {
		reg.endRoom(r, c, joinedAt)
		return
	}

	r.mu.Lock()
	if _, member := r.viewers[c.ID]; !member {
		r.mu.Unlock()
		return
	}
	delete(r.viewers, c.ID)
	count := len(r.viewers)
	if count == 0 && r.host == nil {
		r.emptySince = time.Now()
	}
	reg.broadcastLocked(r, PresenceEvent{
		Type: TypeUserLeft, StreamID: r.id,
		UserID: c.UserID, Username: c.Username, UserAvatar: c.AvatarURL,
	})
	reg.broadcastLocked(r, ViewerCountEvent{
		Type: TypeViewerCountUpdate, StreamID: r.id, ViewerCount: count,
	})
	r.mu.Unlock()

	reg.logger.Debug("viewer left stream",
		zap.String("stream_id", streamID), zap.String("connection_id", c.ID))
	if reg.onLeave != nil {
		reg.onLeave(streamID, c.UserID, role, joinedAt)
	}
	if reg.onViewerCount != nil {
		reg.onViewerCount(streamID, count)
	}
}

// endRoom transitions a room to ended, evicts all viewers and removes it from
// the table. ended is terminal: a later join for the same stream id creates a
// fresh Room.
func (reg *Registry) endRoom(r *Room, host *Client, hostJoinedAt time.Time) {
	r.mu.Lock()
	if r.state == roomEnded {
		r.mu.Unlock()
		return
	}
	r.state = roomEnded
	r.host = nil
	reg.broadcastLocked(r, StreamEndedEvent{Type: TypeStreamEnded, StreamID: r.id})
	evicted := make([]*Client, 0, len(r.viewers))
	for _, v := range r.viewers {
		evicted = append(evicted, v)
	}
	r.viewers = make(map[string]*Client)
	r.history = nil
	r.mu.Unlock()

	reg.mu.Lock()
	delete(reg.rooms, r.id)
	if cancel, ok := reg.subs[r.id]; ok {
		cancel()
		delete(reg.subs, r.id)
	}
	reg.mu.Unlock()

	for _, v := range evicted {
		vStreamID, _, vJoinedAt := v.clearMembership()
		if vStreamID != "" && reg.onLeave != nil {
			reg.onLeave(vStreamID, v.UserID, RoleViewer, vJoinedAt)
		}
	}
	if host != nil && reg.onLeave != nil {
		reg.onLeave(r.id, host.UserID, RoleHost, hostJoinedAt)
	}
	if reg.onEnded != nil {
		reg.onEnded(r.id)
	}
	reg.logger.Info("stream ended", zap.String("stream_id", r.id),
		zap.Int("evicted_viewers", len(evicted)))
}

// RelayChat stamps and broadcasts a chat message to every member of the room,
// sender included. The room lock is the single serialization point, so all
// members observe the same order.
func (reg *Registry) RelayChat(c *Client, streamID, body string) error {
	r, ok := reg.room(streamID)
	if !ok {
		return ErrNotAMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !reg.isMemberLocked(r, c) {
		return ErrNotAMember
	}
	if runes := []rune(body); len(runes) > reg.opts.MaxChatLength {
		body = string(runes[:reg.opts.MaxChatLength])
	}
	ev := ChatEvent{
		Type:       TypeChatMessage,
		StreamID:   r.id,
		MessageID:  uuid.New().String(),
		UserID:     c.UserID,
		Username:   c.Username,
		UserAvatar: c.AvatarURL,
		Message:    body,
		Kind:       ChatKindMessage,
		Timestamp:  time.Now().UnixMilli(),
	}
	reg.appendHistoryLocked(r, ev)
	reg.broadcastLocked(r, ev)
	return nil
}

// RelayReaction broadcasts a reaction to the room. Fire-and-forget: not
// recorded in history, not individually acknowledged.
func (reg *Registry) RelayReaction(c *Client, streamID, reactionType string) error {
	r, ok := reg.room(streamID)
	if !ok {
		return ErrNotAMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !reg.isMemberLocked(r, c) {
		return ErrNotAMember
	}
	reg.broadcastLocked(r, ReactionEvent{
		Type: TypeReaction, StreamID: r.id, ReactionType: reactionType,
		UserID: c.UserID, Username: c.Username, UserAvatar: c.AvatarURL,
	})
	return nil
}

// ViewerCount returns the current viewer count for a stream, 0 if no room.
func (reg *Registry) ViewerCount(streamID string) int {
	r, ok := reg.room(streamID)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// StartJanitor tears down rooms that stayed empty past the grace period.
// Host disconnect already ends rooms immediately; this covers rooms whose
// host slot was vacated without a clean end.
func (reg *Registry) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.sweepEmptyRooms()
			}
		}
	}()
}

func (reg *Registry) sweepEmptyRooms() {
	reg.mu.RLock()
	candidates := make([]*Room, 0)
	for _, r := range reg.rooms {
		candidates = append(candidates, r)
	}
	reg.mu.RUnlock()

	now := time.Now()
	for _, r := range candidates {
		r.mu.Lock()
		stale := r.state == roomActive && r.host == nil && len(r.viewers) == 0 &&
			!r.emptySince.IsZero() && now.Sub(r.emptySince) > reg.opts.RoomGrace
		r.mu.Unlock()
		if stale {
			reg.logger.Info("sweeping empty room", zap.String("stream_id", r.id))
			reg.endRoom(r, nil, time.Time{})
		}
	}
}

// room returns the live Room for streamID.
func (reg *Registry) room(streamID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[streamID]
	return r, ok
}

func (reg *Registry) isMemberLocked(r *Room, c *Client) bool {
	if r.host != nil && r.host.ID == c.ID {
		return true
	}
	_, ok := r.viewers[c.ID]
	return ok
}

func (reg *Registry) appendHistoryLocked(r *Room, ev ChatEvent) {
	r.history = append(r.history, ev)
	if over := len(r.history) - reg.opts.ChatHistorySize; over > 0 {
		r.history = r.history[over:]
	}
}

// sendSnapshotLocked sends the private stream_joined envelope to c: its
// connection id, the membership list, the recent chat window and ICE servers.
func (reg *Registry) sendSnapshotLocked(r *Room, c *Client, role string) {
	members := make([]Member, 0, len(r.viewers)+1)
	if r.host != nil {
		members = append(members, Member{
			ConnectionID: r.host.ID, UserID: r.host.UserID,
			Username: r.host.Username, UserAvatar: r.host.AvatarURL, Role: RoleHost,
		})
	}
	for _, v := range r.viewers {
		members = append(members, Member{
			ConnectionID: v.ID, UserID: v.UserID,
			Username: v.Username, UserAvatar: v.AvatarURL, Role: RoleViewer,
		})
	}
	recent := make([]ChatEvent, len(r.history))
	copy(recent, r.history)
	c.sendEvent(StreamJoinedEvent{
		Type:         TypeStreamJoined,
		StreamID:     r.id,
		ConnectionID: c.ID,
		Title:        r.title,
		Role:         role,
		ViewerCount:  len(r.viewers),
		Members:      members,
		RecentChat:   recent,
		ICEServers:   reg.opts.ICEServers,
	})
}

// broadcastLocked fans an event out to every member of r and publishes it for
// other instances. Sends are non-blocking and failure-isolated: a member with
// a saturated buffer is scheduled for disconnect, never allowed to stall the
// rest of the room. Caller holds r.mu.
func (reg *Registry) broadcastLocked(r *Room, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	reg.fanoutLocked(r, data)
	if reg.pub != nil {
		if err := reg.pub.PublishStreamEvent(r.id, data); err != nil {
			reg.logger.Warn("publish stream event", zap.String("stream_id", r.id), zap.Error(err))
		}
	}
}

func (reg *Registry) fanoutLocked(r *Room, data []byte) {
	if r.host != nil {
		if !r.host.trySend(data) {
			reg.logger.Warn("host send failed, scheduling disconnect",
				zap.String("stream_id", r.id), zap.String("connection_id", r.host.ID))
		}
	}
	for _, c := range r.viewers {
		if !c.trySend(data) {
			reg.logger.Warn("viewer send failed, scheduling disconnect",
				zap.String("stream_id", r.id), zap.String("connection_id", c.ID))
		}
	}
}

// subscribeLocked starts the cross-instance subscription for a stream.
// Remote events are fanned out locally as-is, without republishing.
// Caller holds reg.mu.
func (reg *Registry) subscribeLocked(streamID string) {
	if reg.sub == nil {
		return
	}
	if _, ok := reg.subs[streamID]; ok {
		return
	}
	cancel, err := reg.sub.SubscribeStream(streamID, func(payload []byte) {
		if r, ok := reg.room(streamID); ok {
			r.mu.Lock()
			reg.fanoutLocked(r, payload)
			r.mu.Unlock()
		}
	})
	if err != nil {
		reg.logger.Warn("stream subscribe failed", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	reg.subs[streamID] = cancel
}

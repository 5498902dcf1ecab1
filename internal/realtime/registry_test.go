package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(opts Options) *Registry {
	return NewRegistry(zap.NewNop(), nil, nil, opts)
}

func newTestClient(userID, username string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		UserID:   userID,
		Username: username,
		send:     make(chan []byte, sendQueueSize),
		logger:   zap.NewNop(),
	}
}

// drainEvents empties the client's send queue and decodes every frame into a
// generic map keyed by the envelope type tag.
func drainEvents(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case raw := <-c.send:
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func eventsOfType(t *testing.T, c *Client, mt MessageType) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range drainEvents(t, c) {
		if ev["type"] == string(mt) {
			out = append(out, ev)
		}
	}
	return out
}

func TestJoinAsHostCreatesRoom(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")

	require.NoError(t, reg.JoinAsHost(host, "s1", "Morning Show"))

	events := drainEvents(t, host)
	require.NotEmpty(t, events)
	joined := events[0]
	assert.Equal(t, string(TypeStreamJoined), joined["type"])
	assert.Equal(t, "s1", joined["streamId"])
	assert.Equal(t, host.ID, joined["connectionId"])
	assert.Equal(t, RoleHost, joined["role"])
	assert.Equal(t, "Morning Show", joined["title"])

	// welcome join-notice follows the snapshot
	var sawWelcome bool
	for _, ev := range events {
		if ev["type"] == string(TypeChatMessage) && ev["kind"] == string(ChatKindJoinNotice) {
			sawWelcome = true
			assert.NotEmpty(t, ev["messageId"])
		}
	}
	assert.True(t, sawWelcome)
	assert.Equal(t, 0, reg.ViewerCount("s1"))
}

func TestSecondHostRejected(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	require.NoError(t, reg.JoinAsHost(newTestClient("u1", "alice"), "s1", "t"))

	err := reg.JoinAsHost(newTestClient("u2", "mallory"), "s1", "t")
	assert.ErrorIs(t, err, ErrRoomAlreadyHosted)
}

func TestConcurrentHostJoinSingleWinner(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())

	const n = 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- reg.JoinAsHost(newTestClient(fmt.Sprintf("u%d", i), "h"), "s1", "t")
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
		} else if assert.ErrorIs(t, err, ErrRoomAlreadyHosted) {
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, rejected)
}

func TestJoinAsViewerUnknownRoom(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	err := reg.JoinAsViewer(newTestClient("u1", "bob"), "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestViewerJoinAndCount(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))

	var counts []int
	reg.SetViewerCountHandler(func(streamID string, count int) { counts = append(counts, count) })

	v1 := newTestClient("u1", "bob")
	v2 := newTestClient("u2", "carol")
	require.NoError(t, reg.JoinAsViewer(v1, "s1"))
	require.NoError(t, reg.JoinAsViewer(v2, "s1"))

	assert.Equal(t, 2, reg.ViewerCount("s1"))
	assert.Equal(t, []int{1, 2}, counts)

	// host saw both membership changes as absolute counts
	var seen []int
	for _, ev := range eventsOfType(t, host, TypeViewerCountUpdate) {
		seen = append(seen, int(ev["viewerCount"].(float64)))
	}
	assert.Equal(t, []int{0, 1, 2}, seen)

	reg.Leave(v1)
	assert.Equal(t, 1, reg.ViewerCount("s1"))
	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestViewerJoinIdempotent(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))

	v := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(v, "s1"))
	drainEvents(t, host)

	require.NoError(t, reg.JoinAsViewer(v, "s1"))
	assert.Equal(t, 1, reg.ViewerCount("s1"))

	// duplicate join resends the private snapshot but broadcasts nothing
	assert.Empty(t, drainEvents(t, host))
	snapshots := eventsOfType(t, v, TypeStreamJoined)
	assert.Len(t, snapshots, 2)
}

func TestViewerLeaveBroadcasts(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	v := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(v, "s1"))
	drainEvents(t, host)

	reg.Leave(v)

	events := drainEvents(t, host)
	require.Len(t, events, 2)
	assert.Equal(t, string(TypeUserLeft), events[0]["type"])
	assert.Equal(t, "u1", events[0]["userId"])
	assert.Equal(t, string(TypeViewerCountUpdate), events[1]["type"])
	assert.Equal(t, float64(0), events[1]["viewerCount"])

	// second leave is a no-op
	reg.Leave(v)
	assert.Empty(t, drainEvents(t, host))
}

func TestViewerSwitchingStreamsLeavesOldRoom(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	h1 := newTestClient("u-h1", "alice")
	h2 := newTestClient("u-h2", "dana")
	require.NoError(t, reg.JoinAsHost(h1, "s1", "t1"))
	require.NoError(t, reg.JoinAsHost(h2, "s2", "t2"))

	v := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(v, "s1"))
	drainEvents(t, h1)

	require.NoError(t, reg.JoinAsViewer(v, "s2"))

	// no ghost member stays behind in the first room
	assert.Equal(t, 0, reg.ViewerCount("s1"))
	assert.Equal(t, 1, reg.ViewerCount("s2"))
	left := eventsOfType(t, h1, TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "u1", left[0]["userId"])

	// disconnect only touches the current room
	reg.Leave(v)
	assert.Equal(t, 0, reg.ViewerCount("s2"))
	assert.Empty(t, drainEvents(t, h1))
}

func TestHostSwitchingStreamsEndsOldRoom(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t1"))
	v := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(v, "s1"))
	drainEvents(t, v)

	// host moving to a new stream tears the first room down
	require.NoError(t, reg.JoinAsHost(host, "s2", "t2"))
	assert.Len(t, eventsOfType(t, v, TypeStreamEnded), 1)
	assert.ErrorIs(t, reg.JoinAsViewer(newTestClient("u2", "carol"), "s1"), ErrRoomNotFound)
	sid, role := host.membership()
	assert.Equal(t, "s2", sid)
	assert.Equal(t, RoleHost, role)
}

func TestHostLeaveEndsRoom(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	v1 := newTestClient("u1", "bob")
	v2 := newTestClient("u2", "carol")
	require.NoError(t, reg.JoinAsViewer(v1, "s1"))
	require.NoError(t, reg.JoinAsViewer(v2, "s1"))

	var ended []string
	reg.SetStreamEndedHandler(func(streamID string) { ended = append(ended, streamID) })

	drainEvents(t, v1)
	drainEvents(t, v2)
	reg.Leave(host)

	assert.Len(t, eventsOfType(t, v1, TypeStreamEnded), 1)
	assert.Len(t, eventsOfType(t, v2, TypeStreamEnded), 1)
	assert.Equal(t, []string{"s1"}, ended)

	// room is gone; joins against the old id fail until a fresh host arrives
	assert.ErrorIs(t, reg.JoinAsViewer(newTestClient("u3", "dave"), "s1"), ErrRoomNotFound)
	assert.Equal(t, 0, reg.ViewerCount("s1"))

	// host leave is idempotent, no second teardown
	reg.Leave(host)
	assert.Len(t, ended, 1)
}

func TestChatRequiresMembership(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	require.NoError(t, reg.JoinAsHost(newTestClient("u-host", "alice"), "s1", "t"))

	outsider := newTestClient("u9", "eve")
	assert.ErrorIs(t, reg.RelayChat(outsider, "s1", "hi"), ErrNotAMember)
	assert.ErrorIs(t, reg.RelayChat(outsider, "nope", "hi"), ErrNotAMember)
	assert.ErrorIs(t, reg.RelayReaction(outsider, "s1", "heart"), ErrNotAMember)
}

func TestChatStampedAndDelivered(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	v := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(v, "s1"))
	drainEvents(t, host)
	drainEvents(t, v)

	before := time.Now().UnixMilli()
	require.NoError(t, reg.RelayChat(v, "s1", "hello"))

	for _, c := range []*Client{host, v} {
		msgs := eventsOfType(t, c, TypeChatMessage)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0]["message"])
		assert.Equal(t, "u1", msgs[0]["userId"])
		assert.Equal(t, string(ChatKindMessage), msgs[0]["kind"])
		assert.NotEmpty(t, msgs[0]["messageId"])
		assert.GreaterOrEqual(t, int64(msgs[0]["timestamp"].(float64)), before)
	}
}

func TestChatBodyRuneCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxChatLength = 5
	reg := newTestRegistry(opts)
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	drainEvents(t, host)

	require.NoError(t, reg.RelayChat(host, "s1", "héllo wörld"))
	msgs := eventsOfType(t, host, TypeChatMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "héllo", msgs[0]["message"])
}

func TestChatOrderingConsistentAcrossMembers(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	v1 := newTestClient("u1", "bob")
	v2 := newTestClient("u2", "carol")
	require.NoError(t, reg.JoinAsViewer(v1, "s1"))
	require.NoError(t, reg.JoinAsViewer(v2, "s1"))
	drainEvents(t, host)
	drainEvents(t, v1)
	drainEvents(t, v2)

	senders := []*Client{host, v1, v2}
	var wg sync.WaitGroup
	for i, s := range senders {
		wg.Add(1)
		go func(i int, s *Client) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, reg.RelayChat(s, "s1", fmt.Sprintf("m-%d-%d", i, j)))
			}
		}(i, s)
	}
	wg.Wait()

	order := func(c *Client) []string {
		var ids []string
		for _, ev := range eventsOfType(t, c, TypeChatMessage) {
			ids = append(ids, ev["messageId"].(string))
		}
		return ids
	}
	hostOrder := order(host)
	require.Len(t, hostOrder, 60)
	assert.Equal(t, hostOrder, order(v1))
	assert.Equal(t, hostOrder, order(v2))
}

func TestChatHistoryWindowReplayedToLateJoiner(t *testing.T) {
	opts := DefaultOptions()
	opts.ChatHistorySize = 3
	reg := newTestRegistry(opts)
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.RelayChat(host, "s1", fmt.Sprintf("m%d", i)))
	}

	late := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(late, "s1"))

	snapshots := eventsOfType(t, late, TypeStreamJoined)
	require.Len(t, snapshots, 1)
	recent, ok := snapshots[0]["recentChat"].([]any)
	require.True(t, ok)
	require.Len(t, recent, 3)
	for i, want := range []string{"m2", "m3", "m4"} {
		ev := recent[i].(map[string]any)
		assert.Equal(t, want, ev["message"])
	}
}

func TestReactionNotRecordedInHistory(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	drainEvents(t, host)

	require.NoError(t, reg.RelayReaction(host, "s1", "heart"))
	reactions := eventsOfType(t, host, TypeReaction)
	require.Len(t, reactions, 1)
	assert.Equal(t, "heart", reactions[0]["reactionType"])

	late := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(late, "s1"))
	snapshots := eventsOfType(t, late, TypeStreamJoined)
	require.Len(t, snapshots, 1)
	for _, raw := range snapshotRecentChat(snapshots[0]) {
		assert.NotEqual(t, string(TypeReaction), raw["type"])
	}
}

func snapshotRecentChat(snapshot map[string]any) []map[string]any {
	recent, _ := snapshot["recentChat"].([]any)
	out := make([]map[string]any, 0, len(recent))
	for _, v := range recent {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func TestSnapshotMembers(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	v1 := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(v1, "s1"))

	v2 := newTestClient("u2", "carol")
	require.NoError(t, reg.JoinAsViewer(v2, "s1"))

	snapshots := eventsOfType(t, v2, TypeStreamJoined)
	require.Len(t, snapshots, 1)
	members := snapshots[0]["members"].([]any)
	require.Len(t, members, 3)

	roles := map[string]string{}
	for _, m := range members {
		mm := m.(map[string]any)
		roles[mm["userId"].(string)] = mm["role"].(string)
	}
	assert.Equal(t, RoleHost, roles["u-host"])
	assert.Equal(t, RoleViewer, roles["u1"])
	assert.Equal(t, RoleViewer, roles["u2"])
}

func TestPresenceHandlersCarryRole(t *testing.T) {
	reg := newTestRegistry(DefaultOptions())

	type presence struct{ userID, role string }
	var joins, leaves []presence
	reg.SetPresenceHandlers(
		func(streamID, userID, role string) { joins = append(joins, presence{userID, role}) },
		func(streamID, userID, role string, joinedAt time.Time) {
			leaves = append(leaves, presence{userID, role})
		},
	)

	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	v := newTestClient("u1", "bob")
	require.NoError(t, reg.JoinAsViewer(v, "s1"))

	assert.Equal(t, []presence{{"u-host", RoleHost}, {"u1", RoleViewer}}, joins)

	reg.Leave(host)
	require.Len(t, leaves, 2)
	assert.Contains(t, leaves, presence{"u1", RoleViewer})
	assert.Contains(t, leaves, presence{"u-host", RoleHost})
}

type capturePublisher struct {
	mu     sync.Mutex
	events [][]byte
}

func (p *capturePublisher) PublishStreamEvent(streamID string, payload []byte) error {
	p.mu.Lock()
	p.events = append(p.events, payload)
	p.mu.Unlock()
	return nil
}

func TestBroadcastsPublished(t *testing.T) {
	pub := &capturePublisher{}
	reg := NewRegistry(zap.NewNop(), pub, nil, DefaultOptions())
	host := newTestClient("u-host", "alice")
	require.NoError(t, reg.JoinAsHost(host, "s1", "t"))
	require.NoError(t, reg.RelayChat(host, "s1", "hello"))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	var chatPublished bool
	for _, raw := range pub.events {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		if m["type"] == string(TypeChatMessage) && m["message"] == "hello" {
			chatPublished = true
		}
	}
	assert.True(t, chatPublished)
}

func TestSweepEndsStaleEmptyRooms(t *testing.T) {
	opts := DefaultOptions()
	opts.RoomGrace = time.Minute
	reg := newTestRegistry(opts)

	reg.rooms["stale"] = &Room{
		id:         "stale",
		viewers:    make(map[string]*Client),
		state:      roomActive,
		emptySince: time.Now().Add(-2 * time.Minute),
	}
	reg.rooms["fresh"] = &Room{
		id:         "fresh",
		viewers:    make(map[string]*Client),
		state:      roomActive,
		emptySince: time.Now(),
	}

	reg.sweepEmptyRooms()

	_, staleAlive := reg.room("stale")
	_, freshAlive := reg.room("fresh")
	assert.False(t, staleAlive)
	assert.True(t, freshAlive)
}

package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncpad/syncpad/config"
	"github.com/syncpad/syncpad/persistence"
	"github.com/syncpad/syncpad/types"
)

// fakeStore is an in-memory session store recording every upsert.
type fakeStore struct {
	mu      sync.Mutex
	snaps   map[string]*types.RoomSnapshot
	updates []persistence.RoomUpdate
	findErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string]*types.RoomSnapshot)}
}

func (s *fakeStore) FindRoom(roomId string) (*types.RoomSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.snaps[roomId], nil
}

func (s *fakeStore) ListRooms() ([]*types.RoomSnapshot, error) { return nil, nil }

func (s *fakeStore) UpsertRoom(roomId string, update persistence.RoomUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *fakeStore) DeactivateRoom(roomId string) error { return nil }

func (s *fakeStore) BulkDeactivateIdle(olderThan time.Time) (int, error) { return 0, nil }

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) recordedUpdates() []persistence.RoomUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]persistence.RoomUpdate, len(s.updates))
	copy(res, s.updates)
	return res
}

// The hub handlers run to completion on the event loop goroutine, so most
// tests exercise them synchronously through handle().

func newTestHub(store persistence.Store) *Hub {
	return NewHub(&config.Config{}, store)
}

func join(h *Hub, c *Client, roomId, name string) {
	h.handle(joinRequest{client: c, payload: types.JoinPayload{RoomId: roomId, DisplayName: name}})
}

// received drains and decodes everything currently buffered for the client.
func received(t *testing.T, c *Client) []types.WebsocketMessage {
	t.Helper()
	events := make([]types.WebsocketMessage, 0)
	for {
		select {
		case data := <-c.Send:
			msg := types.WebsocketMessage{}
			require.NoError(t, json.Unmarshal(data, &msg))
			events = append(events, msg)
		default:
			return events
		}
	}
}

func eventNames(events []types.WebsocketMessage) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	return names
}

func eventsNamed(events []types.WebsocketMessage, name string) []types.WebsocketMessage {
	res := make([]types.WebsocketMessage, 0)
	for _, e := range events {
		if e.Event == name {
			res = append(res, e)
		}
	}
	return res
}

func inspectRoom(h *Hub, roomId string) *types.Room {
	reply := make(chan *types.Room, 1)
	h.handle(inspectRequest{roomId: roomId, reply: reply})
	return <-reply
}

func TestJoinSendsRosterCodeAndMessages(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")

	events := received(t, a)
	require.Equal(t, []string{types.EventOutJoined, types.EventOutSyncCode, types.EventOutSyncMessages}, eventNames(events))

	joined := types.WireJoined{}
	require.NoError(t, json.Unmarshal(events[0].Data, &joined))
	assert.True(t, joined.IsSelf)
	assert.Equal(t, a.ConnectionId(), joined.ConnectionId)
	require.Len(t, joined.Clients, 1)
	assert.Equal(t, "alice", joined.Clients[0].DisplayName)

	syncCode := types.WireSyncCode{}
	require.NoError(t, json.Unmarshal(events[1].Data, &syncCode))
	assert.Equal(t, config.DefaultCode, syncCode.Code)
	assert.Equal(t, config.DefaultLanguage, syncCode.Language)

	// whiteboard history is not pushed on join
	assert.Empty(t, eventsNamed(events, types.EventOutWhiteboardSync))
}

func TestJoinIsIdempotent(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")
	join(h, a, "r1", "alice")

	room := inspectRoom(h, "r1")
	require.NotNil(t, room)
	assert.Len(t, room.Clients, 1)
}

func TestJoinBroadcastsRosterToOthers(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	received(t, a)
	join(h, b, "r1", "bob")

	aEvents := eventsNamed(received(t, a), types.EventOutJoined)
	require.Len(t, aEvents, 1)
	joined := types.WireJoined{}
	require.NoError(t, json.Unmarshal(aEvents[0].Data, &joined))
	assert.False(t, joined.IsSelf)
	assert.Equal(t, "bob", joined.User)
	assert.Len(t, joined.Clients, 2)
}

func TestCodeChangeRelayExcludesSender(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	join(h, b, "r1", "bob")
	received(t, a)
	received(t, b)

	h.handle(codeChangeRequest{client: a, payload: types.CodeChangePayload{RoomId: "r1", Code: "print(1)"}})

	assert.Empty(t, received(t, a), "sender must not receive its own echo")
	bEvents := eventsNamed(received(t, b), types.EventOutCodeChange)
	require.Len(t, bEvents, 1)
	change := types.WireCodeChange{}
	require.NoError(t, json.Unmarshal(bEvents[0].Data, &change))
	assert.Equal(t, "print(1)", change.Code)

	room := inspectRoom(h, "r1")
	assert.Equal(t, "print(1)", room.Code)
}

func TestTypingSignalsAreTransient(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	join(h, b, "r1", "bob")
	received(t, a)
	received(t, b)

	h.handle(typingRequest{client: a, payload: types.TypingPayload{RoomId: "r1", DisplayName: "alice"}})
	h.handle(typingRequest{client: a, payload: types.TypingPayload{RoomId: "r1", DisplayName: "alice"}, stop: true})

	assert.Empty(t, received(t, a))
	names := eventNames(received(t, b))
	assert.Equal(t, []string{types.EventOutTypingStart, types.EventOutTypingStop}, names)

	room := inspectRoom(h, "r1")
	assert.Empty(t, room.Messages)
}

func TestChatBroadcastIncludesSenderAndKeepsOrder(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	join(h, b, "r1", "bob")
	received(t, a)
	received(t, b)

	h.handle(chatRequest{client: a, payload: types.SendMessagePayload{RoomId: "r1", Message: types.ChatMessage{Content: "first", DisplayName: "alice"}}})
	h.handle(chatRequest{client: a, payload: types.SendMessagePayload{RoomId: "r1", Message: types.ChatMessage{Content: "second", DisplayName: "alice"}}})

	for _, c := range []*Client{a, b} {
		events := eventsNamed(received(t, c), types.EventOutReceiveMessage)
		require.Len(t, events, 2)
		first := types.WireReceiveMessage{}
		second := types.WireReceiveMessage{}
		require.NoError(t, json.Unmarshal(events[0].Data, &first))
		require.NoError(t, json.Unmarshal(events[1].Data, &second))
		assert.Equal(t, "first", first.Message.Content)
		assert.Equal(t, "second", second.Message.Content)
		assert.NotEmpty(t, first.Message.Id)
		assert.NotEqual(t, first.Message.Id, second.Message.Id)
	}

	room := inspectRoom(h, "r1")
	require.Len(t, room.Messages, 2)
	assert.False(t, room.Messages[1].Timestamp.Before(room.Messages[0].Timestamp))
}

func TestChatTargetFilter(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	join(h, b, "r1", "bob")
	received(t, a)
	received(t, b)

	h.handle(chatRequest{client: a, payload: types.SendMessagePayload{
		RoomId: "r1",
		Message: types.ChatMessage{
			Content:     "psst",
			DisplayName: "alice",
			Filter:      `Target.DisplayName == "bob"`,
		},
	}})

	assert.Empty(t, eventsNamed(received(t, a), types.EventOutReceiveMessage))
	assert.Len(t, eventsNamed(received(t, b), types.EventOutReceiveMessage), 1)
}

func TestWhiteboardPullSemantics(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")
	received(t, a)

	h.handle(drawRequest{client: a, payload: types.DrawPayload{RoomId: "r1", Action: types.DrawAction{Tool: "pen", Color: "#000"}}})
	h.handle(drawRequest{client: a, payload: types.DrawPayload{RoomId: "r1", Action: types.DrawAction{Tool: "pen", Color: "#f00"}}})
	assert.Empty(t, received(t, a), "sender must not receive its own draw actions")

	b := NewClient(h, nil, "bob")
	join(h, b, "r1", "bob")
	assert.Empty(t, eventsNamed(received(t, b), types.EventOutWhiteboardDraw), "no whiteboard push on join")
	assert.Empty(t, eventsNamed(received(t, b), types.EventOutWhiteboardSync))

	h.handle(whiteboardSyncRequest{client: b, payload: types.SyncRequestPayload{RoomId: "r1"}})
	events := eventsNamed(received(t, b), types.EventOutWhiteboardSync)
	require.Len(t, events, 1)
	sync := types.WireWhiteboardSync{}
	require.NoError(t, json.Unmarshal(events[0].Data, &sync))
	require.Len(t, sync.Actions, 2)
	assert.Equal(t, "#f00", sync.Actions[1].Color)
}

func TestWhiteboardClearReachesEveryone(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	join(h, b, "r1", "bob")
	h.handle(drawRequest{client: a, payload: types.DrawPayload{RoomId: "r1", Action: types.DrawAction{Tool: "pen"}}})
	received(t, a)
	received(t, b)

	h.handle(clearRequest{client: a, payload: types.ClearPayload{RoomId: "r1"}})

	assert.Len(t, eventsNamed(received(t, a), types.EventOutWhiteboardClear), 1, "sender resets in lockstep")
	assert.Len(t, eventsNamed(received(t, b), types.EventOutWhiteboardClear), 1)

	room := inspectRoom(h, "r1")
	assert.Empty(t, room.Whiteboard.Actions)
}

func TestLeaveBroadcastsUpdatedRoster(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	join(h, b, "r1", "bob")
	received(t, a)
	received(t, b)

	h.handle(leaveRequest{client: a, payload: types.LeavePayload{RoomId: "r1"}})

	events := eventsNamed(received(t, b), types.EventOutLeft)
	require.Len(t, events, 1)
	left := types.WireLeft{}
	require.NoError(t, json.Unmarshal(events[0].Data, &left))
	assert.Equal(t, a.ConnectionId(), left.ConnectionId)
	assert.Equal(t, "alice", left.User)
	require.Len(t, left.Clients, 1)
	assert.Equal(t, "bob", left.Clients[0].DisplayName)
}

func TestLastLeaveClearsRoom(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")
	h.handle(chatRequest{client: a, payload: types.SendMessagePayload{RoomId: "r1", Message: types.ChatMessage{Content: "hi"}}})
	h.handle(drawRequest{client: a, payload: types.DrawPayload{RoomId: "r1", Action: types.DrawAction{Tool: "pen"}}})

	h.handle(leaveRequest{client: a, payload: types.LeavePayload{RoomId: "r1"}})
	assert.Nil(t, inspectRoom(h, "r1"), "empty room must be removed from the registry")

	// a rejoin in the same process sees a fresh room
	b := NewClient(h, nil, "bob")
	join(h, b, "r1", "bob")
	room := inspectRoom(h, "r1")
	require.NotNil(t, room)
	assert.Empty(t, room.Messages)
	assert.Empty(t, room.Whiteboard.Actions)
	assert.Equal(t, config.DefaultCode, room.Code)
}

func TestLeaveUnknownRoomIsNoop(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	h.handle(leaveRequest{client: a, payload: types.LeavePayload{RoomId: "nope"}})
	assert.Empty(t, received(t, a))
}

func TestDisconnectScansAllRooms(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	b := NewClient(h, nil, "bob")
	join(h, a, "r1", "alice")
	join(h, a, "r2", "alice")
	join(h, b, "r1", "bob")
	received(t, a)
	received(t, b)

	h.handle(disconnectRequest{client: a})

	assert.Len(t, eventsNamed(received(t, b), types.EventOutLeft), 1)
	room1 := inspectRoom(h, "r1")
	require.NotNil(t, room1)
	assert.Len(t, room1.Clients, 1)
	assert.Nil(t, inspectRoom(h, "r2"), "r2 became empty and must be gone")
}

func TestReaperEvictsIdleEmptyRooms(t *testing.T) {
	h := newTestHub(nil)
	h.Cfg.ReaperConfig.IdleThreshold = time.Minute

	idle := h.getOrCreateRoom("idle")
	idle.room.LastActivity = time.Now().Add(-time.Hour)

	busy := NewClient(h, nil, "alice")
	join(h, busy, "busy", "alice")
	h.rooms["busy"].room.LastActivity = time.Now().Add(-time.Hour)

	h.handle(reapRequest{})

	assert.Nil(t, inspectRoom(h, "idle"))
	assert.NotNil(t, inspectRoom(h, "busy"), "rooms with clients are never evicted")
}

func TestJoinRehydratesFromStore(t *testing.T) {
	store := newFakeStore()
	store.snaps["r1"] = &types.RoomSnapshot{
		Id:       "r1",
		Code:     "persisted code",
		Language: "python",
		Messages: types.ChatMessageList{{Id: "m1", DisplayName: "carol", Content: "old"}},
		Actions:  types.DrawActionList{{Tool: "pen"}},
	}
	h := newTestHub(store)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")

	events := received(t, a)
	syncCode := types.WireSyncCode{}
	require.NoError(t, json.Unmarshal(eventsNamed(events, types.EventOutSyncCode)[0].Data, &syncCode))
	assert.Equal(t, "persisted code", syncCode.Code)
	assert.Equal(t, "python", syncCode.Language)

	syncMessages := types.WireSyncMessages{}
	require.NoError(t, json.Unmarshal(eventsNamed(events, types.EventOutSyncMessages)[0].Data, &syncMessages))
	require.Len(t, syncMessages.Messages, 1)
	assert.Equal(t, "old", syncMessages.Messages[0].Content)
}

func TestStoreReadErrorFallsBackToFreshRoom(t *testing.T) {
	store := newFakeStore()
	store.findErr = assert.AnError
	h := newTestHub(store)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")

	room := inspectRoom(h, "r1")
	require.NotNil(t, room)
	assert.Equal(t, config.DefaultCode, room.Code)
}

func TestEmptyRoomMirrorDeactivatesSnapshot(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(store)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")
	h.handle(chatRequest{client: a, payload: types.SendMessagePayload{RoomId: "r1", Message: types.ChatMessage{Content: "hi"}}})
	h.handle(leaveRequest{client: a, payload: types.LeavePayload{RoomId: "r1"}})

	// the mirror is fire-and-forget, wait for it to land
	assert.Eventually(t, func() bool {
		for _, u := range store.recordedUpdates() {
			if u.IsActive != nil && !*u.IsActive && u.Messages != nil && len(*u.Messages) == 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestJoinWithoutRoomIdSendsError(t *testing.T) {
	h := newTestHub(nil)
	a := NewClient(h, nil, "alice")
	h.handle(joinRequest{client: a, payload: types.JoinPayload{}})

	events := eventsNamed(received(t, a), types.EventOutError)
	require.Len(t, events, 1)
}

func TestMessageCapTrimsOldest(t *testing.T) {
	h := NewHub(&config.Config{RoomConfig: config.RoomConfig{MaxMessages: 2}}, nil)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")
	for _, content := range []string{"one", "two", "three"} {
		h.handle(chatRequest{client: a, payload: types.SendMessagePayload{RoomId: "r1", Message: types.ChatMessage{Content: content}}})
	}

	room := inspectRoom(h, "r1")
	require.Len(t, room.Messages, 2)
	assert.Equal(t, "two", room.Messages[0].Content)
	assert.Equal(t, "three", room.Messages[1].Content)
}

func TestMessageCapAppliesToMirroredLog(t *testing.T) {
	store := newFakeStore()
	h := NewHub(&config.Config{RoomConfig: config.RoomConfig{MaxMessages: 1}}, store)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")
	for _, content := range []string{"one", "two", "three"} {
		h.handle(chatRequest{client: a, payload: types.SendMessagePayload{RoomId: "r1", Message: types.ChatMessage{Content: content}}})
	}

	// once the cap is hit the mirror must replace the persisted log, not
	// append past it
	assert.Eventually(t, func() bool {
		appends, replacements := 0, 0
		for _, u := range store.recordedUpdates() {
			if u.AppendMessage != nil {
				appends++
			}
			if u.Messages != nil {
				replacements++
			}
		}
		return appends == 1 && replacements == 2
	}, time.Second, 5*time.Millisecond)

	found := false
	for _, u := range store.recordedUpdates() {
		if u.Messages != nil && len(*u.Messages) == 1 && (*u.Messages)[0].Content == "three" {
			found = true
		}
	}
	assert.True(t, found, "the last mirror must carry exactly the trimmed log")
}

func TestRehydrateAppliesMessageCap(t *testing.T) {
	store := newFakeStore()
	store.snaps["r1"] = &types.RoomSnapshot{
		Id: "r1",
		Messages: types.ChatMessageList{
			{Id: "m1", Content: "one"},
			{Id: "m2", Content: "two"},
			{Id: "m3", Content: "three"},
		},
	}
	h := NewHub(&config.Config{RoomConfig: config.RoomConfig{MaxMessages: 2}}, store)
	a := NewClient(h, nil, "alice")
	join(h, a, "r1", "alice")

	room := inspectRoom(h, "r1")
	require.Len(t, room.Messages, 2)
	assert.Equal(t, "two", room.Messages[0].Content)
	assert.Equal(t, "three", room.Messages[1].Content)
}

func TestReaperRefreshesActivityOfOccupiedRooms(t *testing.T) {
	store := newFakeStore()
	h := NewHub(&config.Config{}, store)
	h.Cfg.ReaperConfig.IdleThreshold = time.Minute

	a := NewClient(h, nil, "alice")
	join(h, a, "busy", "alice")
	stale := time.Now().Add(-time.Hour)
	h.rooms["busy"].room.LastActivity = stale

	h.handle(reapRequest{})

	room := inspectRoom(h, "busy")
	require.NotNil(t, room)
	assert.True(t, room.LastActivity.After(stale), "presence counts as activity")
	// the refresh mirror keeps the durable record out of the idle sweep
	assert.Eventually(t, func() bool {
		for _, u := range store.recordedUpdates() {
			if u.Code == nil && u.AppendMessage == nil && u.LastActivity != nil && u.LastActivity.After(stale) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// One end-to-end pass through the running event loop, everything else above
// exercises the handlers synchronously.
func TestRunLoopProcessesRequests(t *testing.T) {
	h := newTestHub(nil)
	go h.Run()

	a := NewClient(h, nil, "alice")
	done := make(chan struct{})
	h.requests <- hubRequest{req: joinRequest{client: a, payload: types.JoinPayload{RoomId: "r1", DisplayName: "alice"}}, done: done}
	<-done

	reply := make(chan *types.Room, 1)
	h.requests <- hubRequest{req: inspectRequest{roomId: "r1", reply: reply}}
	room := <-reply
	require.NotNil(t, room)
	assert.Len(t, room.Clients, 1)
}

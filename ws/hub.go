package ws

import (
	"encoding/json"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/robfig/cron/v3"
	"github.com/syncpad/syncpad/config"
	"github.com/syncpad/syncpad/filter"
	"github.com/syncpad/syncpad/globals"
	"github.com/syncpad/syncpad/persistence"
	"github.com/syncpad/syncpad/types"
)

const (
	maxMessageSize     = 65536
	pongWait           = 2 * time.Minute
	pingPeriod         = time.Minute
	writeWait          = 10 * time.Second
	requestChannelSize = 512
	sendChannelSize    = 1000
)

// Request is the closed set of work items processed by the hub's event loop.
// Every inbound connection event and timer tick becomes exactly one variant.
type Request interface {
	request()
}

type joinRequest struct {
	client  *Client
	payload types.JoinPayload
}

type leaveRequest struct {
	client  *Client
	payload types.LeavePayload
}

type disconnectRequest struct {
	client *Client
}

type codeChangeRequest struct {
	client  *Client
	payload types.CodeChangePayload
}

type typingRequest struct {
	client  *Client
	payload types.TypingPayload
	stop    bool
}

type chatRequest struct {
	client  *Client
	payload types.SendMessagePayload
}

type drawRequest struct {
	client  *Client
	payload types.DrawPayload
}

type clearRequest struct {
	client  *Client
	payload types.ClearPayload
}

type whiteboardSyncRequest struct {
	client  *Client
	payload types.SyncRequestPayload
}

type reapRequest struct{}

// inspectRequest returns a copy of a room's state via the reply channel, nil
// if the room is not registered. Used by tests and diagnostics.
type inspectRequest struct {
	roomId string
	reply  chan *types.Room
}

func (joinRequest) request()           {}
func (leaveRequest) request()          {}
func (disconnectRequest) request()     {}
func (codeChangeRequest) request()     {}
func (typingRequest) request()         {}
func (chatRequest) request()           {}
func (drawRequest) request()           {}
func (clearRequest) request()          {}
func (whiteboardSyncRequest) request() {}
func (reapRequest) request()           {}
func (inspectRequest) request()        {}

type hubRequest struct {
	req Request
	// done, if set, is closed once the request has been processed
	done chan struct{}
}

// roomState couples a room with the live connections that are members of it.
type roomState struct {
	room    *types.Room
	clients map[string]*Client
}

func (rs *roomState) touch() {
	rs.room.LastActivity = time.Now()
	rs.room.Generation++
}

// Hub is the room registry. One goroutine (Run) owns the rooms map, all
// mutations arrive as Requests on a single channel and run to completion, so
// no locks are needed and all operations on a room are totally ordered by
// arrival.
type Hub struct {
	requests chan hubRequest

	// owned by the Run goroutine
	rooms map[string]*roomState
	seq   uint64

	Cfg   *config.Config
	Store persistence.Store
}

func NewHub(cfg *config.Config, store persistence.Store) *Hub {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Hub{
		requests: make(chan hubRequest, requestChannelSize),
		rooms:    make(map[string]*roomState),
		Cfg:      cfg,
		Store:    store,
	}
}

// Dispatch queues a request for the event loop. It blocks when the queue is
// full, which backpressures the calling connection's read loop.
func (h *Hub) Dispatch(req Request) {
	h.requests <- hubRequest{req: req}
}

// Run is the main hub event loop. It also drives the idle room reaper on the
// configured cron schedule.
func (h *Hub) Run() {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	schedule := h.Cfg.ReaperConfig.Schedule
	if schedule == "" {
		schedule = "@every 30m"
	}
	entryId, err := cronRunner.AddFunc(schedule, func() {
		h.Dispatch(reapRequest{})
	})
	if err != nil {
		globals.AppLogger.Error("could not schedule idle reaper", "schedule", schedule, "error", err)
	} else {
		defer cronRunner.Remove(entryId)
	}
	defer cronRunner.Stop()
	cronRunner.Start()

	for hr := range h.requests {
		h.handle(hr.req)
		if hr.done != nil {
			close(hr.done)
		}
	}
	globals.AppLogger.Info("hub request channel closed, shutting down")
}

func (h *Hub) handle(req Request) {
	switch r := req.(type) {
	case joinRequest:
		h.handleJoin(r.client, r.payload)
	case leaveRequest:
		h.handleLeave(r.client, r.payload.RoomId)
	case disconnectRequest:
		h.handleDisconnect(r.client)
	case codeChangeRequest:
		h.handleCodeChange(r.client, r.payload)
	case typingRequest:
		h.handleTyping(r.client, r.payload, r.stop)
	case chatRequest:
		h.handleChat(r.client, r.payload)
	case drawRequest:
		h.handleDraw(r.client, r.payload)
	case clearRequest:
		h.handleClear(r.client, r.payload)
	case whiteboardSyncRequest:
		h.handleWhiteboardSync(r.client, r.payload)
	case reapRequest:
		h.handleReap()
	case inspectRequest:
		h.handleInspect(r)
	default:
		globals.AppLogger.Warn("unknown hub request", "request", req)
	}
}

// getOrCreateRoom returns the registered room state, rehydrating it from the
// session store on a registry miss. A store error falls back to a fresh
// default room, it never fails the join.
func (h *Hub) getOrCreateRoom(roomId string) *roomState {
	if rs, ok := h.rooms[roomId]; ok {
		return rs
	}
	now := time.Now()
	room := &types.Room{
		Id:           roomId,
		Code:         h.defaultCode(),
		Language:     h.defaultLanguage(),
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
	}
	if h.Store != nil {
		snap, err := h.Store.FindRoom(roomId)
		if err != nil {
			globals.AppLogger.Error("could not read room snapshot, starting fresh", "room", roomId, "error", err)
		} else if snap != nil {
			room.Code = snap.Code
			room.Language = snap.Language
			room.Messages = []types.ChatMessage(snap.Messages)
			// a snapshot written under an older (or no) cap may exceed the
			// configured one
			if max := h.Cfg.RoomConfig.MaxMessages; max > 0 && len(room.Messages) > max {
				room.Messages = room.Messages[len(room.Messages)-max:]
			}
			room.Whiteboard.Actions = []types.DrawAction(snap.Actions)
			if max := h.Cfg.RoomConfig.MaxActions; max > 0 && len(room.Whiteboard.Actions) > max {
				room.Whiteboard.Actions = room.Whiteboard.Actions[len(room.Whiteboard.Actions)-max:]
			}
			if !snap.CreatedAt.IsZero() {
				room.CreatedAt = snap.CreatedAt
			}
			globals.AppLogger.Debug("rehydrated room from session store", "room", roomId)
		}
	}
	rs := &roomState{room: room, clients: make(map[string]*Client)}
	h.rooms[roomId] = rs
	return rs
}

func (h *Hub) defaultCode() string {
	if h.Cfg.RoomConfig.DefaultCode != "" {
		return h.Cfg.RoomConfig.DefaultCode
	}
	return config.DefaultCode
}

func (h *Hub) defaultLanguage() string {
	if h.Cfg.RoomConfig.DefaultLanguage != "" {
		return h.Cfg.RoomConfig.DefaultLanguage
	}
	return config.DefaultLanguage
}

func (h *Hub) handleJoin(c *Client, p types.JoinPayload) {
	if p.RoomId == "" {
		h.sendError(c, "join: missing room id")
		return
	}
	rs := h.getOrCreateRoom(p.RoomId)
	if rs.room.Member(c.ConnectionId()) != nil {
		// duplicate join for an already-present connection is a no-op
		return
	}
	name := p.DisplayName
	if name == "" {
		name = c.DisplayName()
	}
	rs.room.Clients = append(rs.room.Clients, &types.Participant{
		ConnectionId: c.ConnectionId(),
		DisplayName:  name,
		JoinedAt:     time.Now(),
	})
	rs.clients[c.ConnectionId()] = c
	rs.room.IsActive = true
	rs.touch()
	globals.AppLogger.Info("client joined room", "room", p.RoomId, "connection", c.ConnectionId(), "user", name)

	roster := rs.room.Roster()
	h.sendTo(c, types.WireJoined{Clients: roster, User: name, ConnectionId: c.ConnectionId(), IsSelf: true})
	h.sendTo(c, types.WireSyncCode{Code: rs.room.Code, Language: rs.room.Language})
	messages := make([]types.ChatMessage, len(rs.room.Messages))
	copy(messages, rs.room.Messages)
	h.sendTo(c, types.WireSyncMessages{Messages: messages})
	// whiteboard history is pull-based, the client has to request a sync
	h.broadcast(rs, types.WireJoined{Clients: roster, User: name, ConnectionId: c.ConnectionId()}, c)

	code := rs.room.Code
	language := rs.room.Language
	lastActivity := rs.room.LastActivity
	active := true
	h.mirror(rs.room.Id, persistence.RoomUpdate{
		InsertOnly:   h.seedSnapshot(rs.room),
		Code:         &code,
		Language:     &language,
		LastActivity: &lastActivity,
		IsActive:     &active,
		Generation:   rs.room.Generation,
	})
}

func (h *Hub) handleLeave(c *Client, roomId string) {
	rs, ok := h.rooms[roomId]
	if !ok {
		// leaving a room that is not registered is a silent no-op
		return
	}
	h.removeFromRoom(rs, c)
}

// handleDisconnect removes the connection from every room it is a member of.
// A connection normally belongs to at most one room, but we do not rely on
// that and scan all of them.
func (h *Hub) handleDisconnect(c *Client) {
	for _, rs := range h.rooms {
		if rs.room.Member(c.ConnectionId()) != nil {
			h.removeFromRoom(rs, c)
		}
	}
}

func (h *Hub) removeFromRoom(rs *roomState, c *Client) {
	member := rs.room.Member(c.ConnectionId())
	if member == nil {
		return
	}
	clients := rs.room.Clients[:0]
	for _, p := range rs.room.Clients {
		if p.ConnectionId != c.ConnectionId() {
			clients = append(clients, p)
		}
	}
	rs.room.Clients = clients
	delete(rs.clients, c.ConnectionId())
	rs.touch()
	globals.AppLogger.Info("client left room", "room", rs.room.Id, "connection", c.ConnectionId(), "user", member.DisplayName)

	if len(rs.room.Clients) == 0 {
		// transient logs do not outlive the last participant
		rs.room.Messages = nil
		rs.room.Whiteboard.Actions = nil
		rs.room.IsActive = false
		delete(h.rooms, rs.room.Id)
		globals.AppLogger.Info("room empty, removed from registry", "room", rs.room.Id)

		emptyMessages := []types.ChatMessage{}
		emptyActions := []types.DrawAction{}
		inactive := false
		lastActivity := rs.room.LastActivity
		h.mirror(rs.room.Id, persistence.RoomUpdate{
			Messages:     &emptyMessages,
			Actions:      &emptyActions,
			IsActive:     &inactive,
			LastActivity: &lastActivity,
			Generation:   rs.room.Generation,
		})
		return
	}
	h.broadcast(rs, types.WireLeft{
		ConnectionId: c.ConnectionId(),
		User:         member.DisplayName,
		Clients:      rs.room.Roster(),
	}, nil)
	lastActivity := rs.room.LastActivity
	h.mirror(rs.room.Id, persistence.RoomUpdate{
		LastActivity: &lastActivity,
		Generation:   rs.room.Generation,
	})
}

// handleCodeChange relays the new document to everyone but the sender. There
// is no merge: concurrent edits converge to whichever update each peer
// received last, which is the intended behaviour.
func (h *Hub) handleCodeChange(c *Client, p types.CodeChangePayload) {
	rs, ok := h.rooms[p.RoomId]
	if !ok {
		return
	}
	rs.room.Code = p.Code
	if p.Language != "" {
		rs.room.Language = p.Language
	}
	rs.touch()
	h.broadcast(rs, types.WireCodeChange{Code: rs.room.Code, Language: rs.room.Language}, c)

	code := rs.room.Code
	language := rs.room.Language
	lastActivity := rs.room.LastActivity
	h.mirror(rs.room.Id, persistence.RoomUpdate{
		Code:         &code,
		Language:     &language,
		LastActivity: &lastActivity,
		Generation:   rs.room.Generation,
	})
}

// Typing signals are transient: not persisted, no delivery guarantee, no
// activity bump.
func (h *Hub) handleTyping(c *Client, p types.TypingPayload, stop bool) {
	rs, ok := h.rooms[p.RoomId]
	if !ok {
		return
	}
	name := p.DisplayName
	if name == "" {
		name = c.DisplayName()
	}
	if stop {
		h.broadcast(rs, types.WireTypingStop{DisplayName: name}, c)
		return
	}
	h.broadcast(rs, types.WireTypingStart{DisplayName: name}, c)
}

func (h *Hub) handleChat(c *Client, p types.SendMessagePayload) {
	rs, ok := h.rooms[p.RoomId]
	if !ok {
		return
	}
	msg := p.Message
	if msg.DisplayName == "" {
		if m := rs.room.Member(c.ConnectionId()); m != nil {
			msg.DisplayName = m.DisplayName
		} else {
			msg.DisplayName = c.DisplayName()
		}
	}
	msg.Timestamp = time.Now()
	h.seq++
	msg.Seq = h.seq
	if err := msg.CreateId(); err != nil {
		globals.AppLogger.Error("could not hash chat message", "error", err)
		h.sendError(c, "could not create message id")
		return
	}
	var prog *vm.Program
	if msg.Filter != "" {
		var err error
		prog, err = expr.Compile(msg.Filter, expr.Env(filter.Env{}))
		if err != nil {
			globals.AppLogger.Error("could not compile message filter", "error", err)
			h.sendError(c, "could not compile message filter")
			return
		}
	}
	rs.room.Messages = append(rs.room.Messages, msg)
	trimmed := false
	if max := h.Cfg.RoomConfig.MaxMessages; max > 0 && len(rs.room.Messages) > max {
		rs.room.Messages = rs.room.Messages[len(rs.room.Messages)-max:]
		trimmed = true
	}
	rs.touch()

	// chat goes to every connection in the room, the sender included
	data, err := json.Marshal(types.WireReceiveMessage{Message: msg})
	if err != nil {
		globals.AppLogger.Error("could not marshal chat message", "error", err)
		return
	}
	for _, client := range rs.clients {
		if !runChatFilter(rs.room, &msg, c, client, prog) {
			continue
		}
		client.trySend(data)
	}

	lastActivity := rs.room.LastActivity
	update := persistence.RoomUpdate{
		LastActivity: &lastActivity,
		Generation:   rs.room.Generation,
	}
	if trimmed {
		// an append would grow the snapshot past the cap, replace the
		// persisted log with the trimmed one instead
		messages := make([]types.ChatMessage, len(rs.room.Messages))
		copy(messages, rs.room.Messages)
		update.Messages = &messages
	} else {
		appendMsg := msg
		update.AppendMessage = &appendMsg
	}
	h.mirror(rs.room.Id, update)
}

func (h *Hub) handleDraw(c *Client, p types.DrawPayload) {
	rs, ok := h.rooms[p.RoomId]
	if !ok {
		return
	}
	rs.room.Whiteboard.Actions = append(rs.room.Whiteboard.Actions, p.Action)
	if max := h.Cfg.RoomConfig.MaxActions; max > 0 && len(rs.room.Whiteboard.Actions) > max {
		rs.room.Whiteboard.Actions = rs.room.Whiteboard.Actions[len(rs.room.Whiteboard.Actions)-max:]
	}
	rs.touch()
	// the sender has already rendered the action locally
	h.broadcast(rs, types.WireWhiteboardDraw{Action: p.Action}, c)
	h.mirrorActions(rs)
}

func (h *Hub) handleClear(c *Client, p types.ClearPayload) {
	rs, ok := h.rooms[p.RoomId]
	if !ok {
		return
	}
	rs.room.Whiteboard.Actions = []types.DrawAction{}
	rs.touch()
	// everyone including the sender, so all canvases reset in lockstep
	h.broadcast(rs, types.WireWhiteboardClear{}, nil)
	h.mirrorActions(rs)
}

// handleWhiteboardSync sends the full action log to the requesting connection
// only. Whiteboard history is never pushed on join.
func (h *Hub) handleWhiteboardSync(c *Client, p types.SyncRequestPayload) {
	rs, ok := h.rooms[p.RoomId]
	if !ok {
		return
	}
	actions := make([]types.DrawAction, len(rs.room.Whiteboard.Actions))
	copy(actions, rs.room.Whiteboard.Actions)
	h.sendTo(c, types.WireWhiteboardSync{Actions: actions})
}

func (h *Hub) mirrorActions(rs *roomState) {
	actions := make([]types.DrawAction, len(rs.room.Whiteboard.Actions))
	copy(actions, rs.room.Whiteboard.Actions)
	lastActivity := rs.room.LastActivity
	h.mirror(rs.room.Id, persistence.RoomUpdate{
		Actions:      &actions,
		LastActivity: &lastActivity,
		Generation:   rs.room.Generation,
	})
}

// handleReap evicts empty rooms that have been idle past the threshold and
// asks the store to deactivate stale durable records. Rooms with connected
// clients are never evicted.
func (h *Hub) handleReap() {
	threshold := h.Cfg.ReaperConfig.IdleThreshold
	if threshold <= 0 {
		threshold = time.Hour
	}
	cutoff := time.Now().Add(-threshold)
	for id, rs := range h.rooms {
		if len(rs.room.Clients) == 0 {
			if rs.room.LastActivity.Before(cutoff) {
				delete(h.rooms, id)
				globals.AppLogger.Info("reaped idle room", "room", id)
			}
			continue
		}
		// presence counts as activity, keep occupied rooms out of the
		// durable idle sweep below
		rs.touch()
		lastActivity := rs.room.LastActivity
		h.mirror(id, persistence.RoomUpdate{
			LastActivity: &lastActivity,
			Generation:   rs.room.Generation,
		})
	}
	if h.Store != nil {
		go func() {
			n, err := h.Store.BulkDeactivateIdle(cutoff)
			if err != nil {
				globals.AppLogger.Error("could not deactivate idle room snapshots", "error", err)
				return
			}
			if n > 0 {
				globals.AppLogger.Info("deactivated idle room snapshots", "count", n)
			}
		}()
	}
}

func (h *Hub) handleInspect(r inspectRequest) {
	rs, ok := h.rooms[r.roomId]
	if !ok {
		r.reply <- nil
		return
	}
	room := *rs.room
	room.Clients = rs.room.Roster()
	room.Messages = make([]types.ChatMessage, len(rs.room.Messages))
	copy(room.Messages, rs.room.Messages)
	room.Whiteboard.Actions = make([]types.DrawAction, len(rs.room.Whiteboard.Actions))
	copy(room.Whiteboard.Actions, rs.room.Whiteboard.Actions)
	r.reply <- &room
}

func (h *Hub) seedSnapshot(room *types.Room) *types.RoomSnapshot {
	return &types.RoomSnapshot{
		Id:           room.Id,
		Code:         room.Code,
		Language:     room.Language,
		Messages:     types.ChatMessageList{},
		Actions:      types.DrawActionList{},
		CreatedAt:    room.CreatedAt,
		LastActivity: room.LastActivity,
		IsActive:     true,
		Generation:   room.Generation,
	}
}

// mirror dispatches a fire-and-forget upsert against the session store. The
// mutation path never waits for it, a failure is logged and the in-memory
// registry stays authoritative.
func (h *Hub) mirror(roomId string, update persistence.RoomUpdate) {
	if h.Store == nil {
		return
	}
	go func() {
		if err := h.Store.UpsertRoom(roomId, update); err != nil {
			globals.AppLogger.Error("could not mirror room to session store", "room", roomId, "error", err)
		}
	}()
}

// broadcast marshals once and fans out to every client in the room except
// exclude. Sends are non-blocking: a slow peer's backlog is dropped here and
// dealt with at the transport layer.
func (h *Hub) broadcast(rs *roomState, wire interface{}, exclude *Client) {
	data, err := json.Marshal(wire)
	if err != nil {
		globals.AppLogger.Error("could not marshal broadcast", "error", err)
		return
	}
	for _, client := range rs.clients {
		if client == exclude {
			continue
		}
		client.trySend(data)
	}
}

func (h *Hub) sendTo(c *Client, wire interface{}) {
	data, err := json.Marshal(wire)
	if err != nil {
		globals.AppLogger.Error("could not marshal message", "error", err)
		return
	}
	c.trySend(data)
}

func (h *Hub) sendError(c *Client, message string) {
	h.sendTo(c, types.WireError{Message: message})
}

package ws

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/syncpad/syncpad/globals"
	"github.com/syncpad/syncpad/types"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	connectionId string
	displayName  string

	doneChan chan struct{}
}

var connSeq uint64

func newConnectionId(remote string) string {
	seq := atomic.AddUint64(&connSeq, 1)
	hash, err := hashstructure.Hash(struct {
		Remote string
		Seq    uint64
		At     int64
	}{remote, seq, time.Now().UnixNano()}, hashstructure.FormatV2, nil)
	if err != nil {
		return fmt.Sprintf("c%016x", seq)
	}
	return fmt.Sprintf("c%016x", hash)
}

func NewClient(hub *Hub, conn *websocket.Conn, displayName string) *Client {
	remote := ""
	if conn != nil {
		remote = conn.RemoteAddr().String()
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		Send:         make(chan []byte, sendChannelSize),
		connectionId: newConnectionId(remote),
		displayName:  displayName,
		doneChan:     make(chan struct{}),
	}
}

func (c *Client) ConnectionId() string { return c.connectionId }

func (c *Client) DisplayName() string { return c.displayName }

// Done is closed when the read loop has exited and the disconnect has been
// handed to the hub.
func (c *Client) Done() <-chan struct{} { return c.doneChan }

// trySend queues outbound data without blocking. A full send channel means
// the peer is not keeping up, the message is dropped and the transport layer
// deals with the fallout.
func (c *Client) trySend(data []byte) {
	select {
	case c.Send <- data:
	default:
		globals.AppLogger.Warn("client send channel full, dropping message", "connection", c.connectionId)
	}
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		c.hub.Dispatch(disconnectRequest{client: c})
		close(c.doneChan)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Info("websocket closed unexpectedly", "connection", c.connectionId, "error", err)
			}
			return
		}
		message := &types.WebsocketMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			globals.AppLogger.Error("could not unmarshal ws message", "connection", c.connectionId, "error", err)
			return
		}
		c.route(message)
	}
}

// route decodes the envelope payload into the typed payload for the event and
// dispatches the matching hub request. Unknown events are answered with an
// error event, they do not terminate the connection.
func (c *Client) route(message *types.WebsocketMessage) {
	payload := make(map[string]interface{})
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, &payload); err != nil {
			globals.AppLogger.Error("could not unmarshal event payload", "event", message.Event, "error", err)
			c.sendErrorEvent("malformed payload for event " + message.Event)
			return
		}
	}
	switch message.Event {
	case types.EventInJoin:
		p := types.JoinPayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(joinRequest{client: c, payload: p})

	case types.EventInLeave:
		p := types.LeavePayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(leaveRequest{client: c, payload: p})

	case types.EventInCodeChange:
		p := types.CodeChangePayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(codeChangeRequest{client: c, payload: p})

	case types.EventInTypingStart:
		p := types.TypingPayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(typingRequest{client: c, payload: p})

	case types.EventInTypingStop:
		p := types.TypingPayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(typingRequest{client: c, payload: p, stop: true})

	case types.EventInSendMessage:
		p := types.SendMessagePayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(chatRequest{client: c, payload: p})

	case types.EventInWhiteboardDraw:
		p := types.DrawPayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(drawRequest{client: c, payload: p})

	case types.EventInWhiteboardClear:
		p := types.ClearPayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(clearRequest{client: c, payload: p})

	case types.EventInWhiteboardSyncRequest:
		p := types.SyncRequestPayload{}
		if !c.decode(payload, &p, message.Event) {
			return
		}
		c.hub.Dispatch(whiteboardSyncRequest{client: c, payload: p})

	default:
		globals.AppLogger.Warn("unknown inbound event", "event", message.Event, "connection", c.connectionId)
		c.sendErrorEvent("unknown event " + message.Event)
	}
}

func (c *Client) decode(payload map[string]interface{}, out interface{}, event string) bool {
	if err := mapstructure.WeakDecode(payload, out); err != nil {
		globals.AppLogger.Error("could not decode event payload", "event", event, "error", err)
		c.sendErrorEvent("malformed payload for event " + event)
		return false
	}
	return true
}

func (c *Client) sendErrorEvent(message string) {
	data, err := json.Marshal(types.WireError{Message: message})
	if err != nil {
		return
	}
	c.trySend(data)
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}

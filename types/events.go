package types

import "encoding/json"

// Inbound event names, the closed set a connection may send.
const (
	EventInJoin                  = "join"
	EventInLeave                 = "leave"
	EventInCodeChange            = "codeChange"
	EventInTypingStart           = "typingStart"
	EventInTypingStop            = "typingStop"
	EventInSendMessage           = "sendMessage"
	EventInWhiteboardDraw        = "whiteboardDraw"
	EventInWhiteboardClear       = "whiteboardClear"
	EventInWhiteboardSyncRequest = "whiteboardSyncRequest"
)

// Outbound event names.
const (
	EventOutJoined          = "joined"
	EventOutLeft            = "left"
	EventOutSyncCode        = "syncCode"
	EventOutSyncMessages    = "syncMessages"
	EventOutCodeChange      = "codeChange"
	EventOutTypingStart     = "typingStart"
	EventOutTypingStop      = "typingStop"
	EventOutReceiveMessage  = "receiveMessage"
	EventOutWhiteboardDraw  = "whiteboardDraw"
	EventOutWhiteboardClear = "whiteboardClear"
	EventOutWhiteboardSync  = "whiteboardSync"
	EventOutError           = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// The different inbound event payloads, decoded from the envelope's data via
// mapstructure.

type JoinPayload struct {
	RoomId      string `mapstructure:"roomId"`
	DisplayName string `mapstructure:"displayName"`
}

type LeavePayload struct {
	RoomId string `mapstructure:"roomId"`
}

type CodeChangePayload struct {
	RoomId   string `mapstructure:"roomId"`
	Code     string `mapstructure:"code"`
	Language string `mapstructure:"language"`
}

type TypingPayload struct {
	RoomId      string `mapstructure:"roomId"`
	DisplayName string `mapstructure:"displayName"`
}

type SendMessagePayload struct {
	RoomId  string      `mapstructure:"roomId"`
	Message ChatMessage `mapstructure:"message"`
}

type DrawPayload struct {
	RoomId string     `mapstructure:"roomId"`
	Action DrawAction `mapstructure:"action"`
}

type ClearPayload struct {
	RoomId string `mapstructure:"roomId"`
}

type SyncRequestPayload struct {
	RoomId string `mapstructure:"roomId"`
}

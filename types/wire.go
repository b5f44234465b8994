package types

import "encoding/json"

// The Wire* types wrap outbound payloads into the websocket envelope when
// marshalled, so callers just json.Marshal the wrapper.

func wrapEvent(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	m := WebsocketMessage{
		Event: event,
		Data:  raw,
	}
	return json.Marshal(m)
}

type WireJoined struct {
	Clients      []*Participant `json:"clients"`
	User         string         `json:"user"`
	ConnectionId string         `json:"connectionId"`
	IsSelf       bool           `json:"isSelf,omitempty"`
}

func (e WireJoined) MarshalJSON() ([]byte, error) {
	type local WireJoined
	return wrapEvent(EventOutJoined, local(e))
}

type WireLeft struct {
	ConnectionId string         `json:"connectionId"`
	User         string         `json:"user"`
	Clients      []*Participant `json:"clients"`
}

func (e WireLeft) MarshalJSON() ([]byte, error) {
	type local WireLeft
	return wrapEvent(EventOutLeft, local(e))
}

type WireSyncCode struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (e WireSyncCode) MarshalJSON() ([]byte, error) {
	type local WireSyncCode
	return wrapEvent(EventOutSyncCode, local(e))
}

type WireSyncMessages struct {
	Messages []ChatMessage `json:"messages"`
}

func (e WireSyncMessages) MarshalJSON() ([]byte, error) {
	type local WireSyncMessages
	return wrapEvent(EventOutSyncMessages, local(e))
}

type WireCodeChange struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (e WireCodeChange) MarshalJSON() ([]byte, error) {
	type local WireCodeChange
	return wrapEvent(EventOutCodeChange, local(e))
}

type WireTypingStart struct {
	DisplayName string `json:"displayName"`
}

func (e WireTypingStart) MarshalJSON() ([]byte, error) {
	type local WireTypingStart
	return wrapEvent(EventOutTypingStart, local(e))
}

type WireTypingStop struct {
	DisplayName string `json:"displayName"`
}

func (e WireTypingStop) MarshalJSON() ([]byte, error) {
	type local WireTypingStop
	return wrapEvent(EventOutTypingStop, local(e))
}

type WireReceiveMessage struct {
	Message ChatMessage `json:"message"`
}

func (e WireReceiveMessage) MarshalJSON() ([]byte, error) {
	type local WireReceiveMessage
	return wrapEvent(EventOutReceiveMessage, local(e))
}

type WireWhiteboardDraw struct {
	Action DrawAction `json:"action"`
}

func (e WireWhiteboardDraw) MarshalJSON() ([]byte, error) {
	type local WireWhiteboardDraw
	return wrapEvent(EventOutWhiteboardDraw, local(e))
}

type WireWhiteboardClear struct{}

func (e WireWhiteboardClear) MarshalJSON() ([]byte, error) {
	type local WireWhiteboardClear
	return wrapEvent(EventOutWhiteboardClear, local(e))
}

type WireWhiteboardSync struct {
	Actions []DrawAction `json:"actions"`
}

func (e WireWhiteboardSync) MarshalJSON() ([]byte, error) {
	type local WireWhiteboardSync
	return wrapEvent(EventOutWhiteboardSync, local(e))
}

type WireError struct {
	Message string `json:"message"`
}

func (e WireError) MarshalJSON() ([]byte, error) {
	type local WireError
	return wrapEvent(EventOutError, local(e))
}

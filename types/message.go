package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// ChatMessage is a single chat transcript entry. Id and Timestamp are
// assigned server-side by the relay, never by the client.
type ChatMessage struct {
	Id          string    `json:"id" mapstructure:"-"`
	DisplayName string    `json:"displayName" mapstructure:"sender"`
	Content     string    `json:"content" mapstructure:"content"`
	Timestamp   time.Time `json:"timestamp" mapstructure:"-"`
	// Filter is an optional expr expression restricting delivery, incoming only.
	Filter string `json:"filter,omitempty" hash:"ignore" mapstructure:"filter"`
	// Seq is the relay's per-process sequence number, part of the id hash so
	// identical messages sent in the same instant still get distinct ids.
	Seq uint64 `json:"-" mapstructure:"-"`
}

// CreateId assigns the globally unique message id from a hash over the
// message contents, timestamp and relay sequence number.
func (m *ChatMessage) CreateId() error {
	hash, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = fmt.Sprintf("%016x", hash)
	return nil
}

type Point struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
}

// DrawAction is one whiteboard drawing action. Which fields are set depends
// on the tool: stroke tools carry points/color/width, the text and image
// tools carry their payload directly.
type DrawAction struct {
	Tool        string  `json:"tool" mapstructure:"tool"`
	Points      []Point `json:"points,omitempty" mapstructure:"points"`
	Color       string  `json:"color,omitempty" mapstructure:"color"`
	StrokeWidth float64 `json:"strokeWidth,omitempty" mapstructure:"strokeWidth"`
	Text        string  `json:"text,omitempty" mapstructure:"text"`
	Image       string  `json:"image,omitempty" mapstructure:"image"`
}

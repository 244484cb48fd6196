package ws

import "github.com/openmined/syftmirror/internal/sync"

type MessageType string

const (
	MsgHello MessageType = "hello"
	MsgEvent MessageType = "event"
)

// Message is the envelope written to subscribers
type Message struct {
	Type    MessageType `json:"type"`
	Version string      `json:"version,omitempty"`
	Event   *sync.Event `json:"event,omitempty"`
}

func newHelloMessage(version string) *Message {
	return &Message{Type: MsgHello, Version: version}
}

func newEventMessage(e sync.Event) *Message {
	return &Message{Type: MsgEvent, Event: &e}
}

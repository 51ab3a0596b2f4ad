package sync

import "time"

// Kind classifies a status message.
type Kind string

// Message kinds.
const (
	KindStatus Kind = "status"
	KindLog    Kind = "log"
	KindDone   Kind = "done"
)

// Message is one event on a blog's status stream.
type Message struct {
	BlogID  string    `json:"blog_id"`
	BatchID string    `json:"batch_id"`
	Kind    Kind      `json:"kind"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// StatusPublisher receives session status messages. Implementations must
// not block.
type StatusPublisher interface {
	Publish(msg Message)
}

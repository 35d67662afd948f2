package notify

import (
	"context"
	"time"
)

// Field is one labelled value in a notification.
type Field struct {
	Title string
	Value string
	Short bool
}

// Message is a transport-neutral notification. Sinks render it into their
// own wire format.
type Message struct {
	Title     string
	Fallback  string
	Color     string
	Fields    []Field
	Timestamp time.Time
}

// Notifier delivers one message to an operator-facing sink.
type Notifier interface {
	Send(ctx context.Context, m Message) error
}

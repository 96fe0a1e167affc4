// Package queue turns a chat channel or a managed queue into an ordered work
// log with one consumer.
package queue

import (
	"context"
	"time"
)

// Cursor is an opaque pagination token. The empty cursor starts at the
// newest end of the window.
type Cursor string

// TimeWindow bounds which part of the log Next looks at. A zero Oldest means
// the consumer has not seen anything yet.
type TimeWindow struct {
	Oldest time.Time
	Latest time.Time
}

type PostOptions struct {
	// AckHint is a marker attached right after posting, so the item is
	// consumed from the start.
	AckHint string
}

// Delivery is the result of one Next call. An empty Payload means nothing
// is waiting. Watermark is where the next window should start.
type Delivery struct {
	Payload   string
	MessageID string
	Watermark time.Time
}

func (d Delivery) Empty() bool {
	return d.Payload == ""
}

type Adapter interface {
	Name() string
	Post(ctx context.Context, payload string, opts PostOptions) (string, error)
	// Next returns at most one unconsumed item and marks it consumed before
	// returning.
	Next(ctx context.Context, window TimeWindow, cursor Cursor) (Delivery, error)
	IdleInterval() time.Duration
	Close() error
}

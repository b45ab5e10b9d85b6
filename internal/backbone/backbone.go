package backbone

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("backbone closed")
	ErrPublishTimeout = errors.New("backbone publish timed out")
	ErrNotConnected   = errors.New("backbone not connected")
	ErrSubscriberFull = errors.New("backbone subscriber queue full")
)

// Handler receives raw envelopes published on a channel. It must not block.
type Handler func(payload []byte)

// Backbone is the pub/sub bus shared by every replica. Delivery is best effort and
// nothing is retained for late subscribers.
type Backbone interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler Handler) error
	Close() error
}

// Package delivery moves outbound presentation events across the process
// boundary. It knows nothing about tasks: the batcher groups by channel and
// the throttler rate-limits a single continuous channel.
package delivery

import "errors"

var (
	// ErrSinkUnavailable reports that the consumer behind a Sink is gone.
	// Queued events are discarded rather than retried.
	ErrSinkUnavailable = errors.New("delivery sink unavailable")
	ErrClosed          = errors.New("delivery closed")
)

// BatchSuffix marks the array-valued variant of a channel.
const BatchSuffix = ":batch"

// Sink receives grouped deliveries. Implementations must not block for long;
// the daemon's stream hub fans out through per-client buffers.
type Sink interface {
	Deliver(channel string, payload any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(channel string, payload any) error

func (f SinkFunc) Deliver(channel string, payload any) error {
	return f(channel, payload)
}

// BatchChannel returns the batch variant of channel.
func BatchChannel(channel string) string {
	return channel + BatchSuffix
}

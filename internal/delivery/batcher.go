package delivery

import (
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/g960059/agtpilot/internal/metrics"
)

const (
	DefaultBatchInterval  = 50 * time.Millisecond
	DefaultBatchHighWater = 10
)

type BatcherOptions struct {
	Interval  time.Duration
	HighWater int
	Clock     clock.WithTicker
	Logger    logr.Logger
	Metrics   *metrics.Metrics
}

type batchedEvent struct {
	channel    string
	payload    any
	enqueuedAt time.Time
}

// EventBatcher groups emissions per channel and hands them to a Sink on a
// fixed interval, or immediately once the queue reaches the high-water mark.
// Delivery is at-most-once.
type EventBatcher struct {
	sink      Sink
	clock     clock.WithTicker
	log       logr.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	highWater int

	mu     sync.Mutex
	queue  []batchedEvent
	closed bool

	// flushMu keeps whole flushes ordered so per-channel order survives
	// a timer flush racing a high-water flush.
	flushMu sync.Mutex

	stop        chan struct{}
	done        chan struct{}
	destroyOnce sync.Once
}

// NewEventBatcher starts the background flush loop. Call Destroy to stop it.
func NewEventBatcher(sink Sink, opts BatcherOptions) *EventBatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultBatchInterval
	}
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultBatchHighWater
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	b := &EventBatcher{
		sink:      sink,
		clock:     opts.Clock,
		log:       opts.Logger.WithName("batcher"),
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		highWater: opts.HighWater,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	ticker := b.clock.NewTicker(b.interval)
	go b.loop(ticker)
	return b
}

func (b *EventBatcher) loop(ticker clock.Ticker) {
	defer close(b.done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			b.Flush()
		case <-b.stop:
			return
		}
	}
}

// Send enqueues payload on channel. Reaching the high-water mark flushes
// before Send returns. Sends after Destroy return ErrClosed.
func (b *EventBatcher) Send(channel string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, batchedEvent{channel: channel, payload: payload, enqueuedAt: b.clock.Now()})
	full := len(b.queue) >= b.highWater
	b.mu.Unlock()

	if full {
		b.Flush()
	}
	return nil
}

// Flush delivers everything queued. A channel with one entry is delivered as
// is; several entries go out as one slice on the channel's batch variant in
// enqueue order. The queue is cleared even when delivery fails.
func (b *EventBatcher) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(queue) == 0 {
		return
	}

	order := make([]string, 0, 4)
	groups := make(map[string][]any, 4)
	for _, ev := range queue {
		if _, seen := groups[ev.channel]; !seen {
			order = append(order, ev.channel)
		}
		groups[ev.channel] = append(groups[ev.channel], ev.payload)
	}

	if b.sink == nil {
		b.discard(len(queue), ErrSinkUnavailable)
		return
	}
	for i, channel := range order {
		payloads := groups[channel]
		var err error
		kind := "single"
		if len(payloads) == 1 {
			err = b.sink.Deliver(channel, payloads[0])
		} else {
			kind = "batch"
			err = b.sink.Deliver(BatchChannel(channel), payloads)
		}
		if err == nil {
			b.metrics.Delivered(kind)
			continue
		}
		if errors.Is(err, ErrSinkUnavailable) {
			remaining := 0
			for _, rest := range order[i:] {
				remaining += len(groups[rest])
			}
			b.discard(remaining, err)
			return
		}
		b.metrics.DeliveryFailed("error")
		b.log.Error(err, "delivery failed, events dropped", "channel", channel, "count", len(payloads))
	}
}

func (b *EventBatcher) discard(count int, err error) {
	b.metrics.DeliveryFailed("sink_unavailable")
	b.log.Info("sink unavailable, discarding queued events", "count", count, "reason", err.Error())
}

// Len reports the number of queued events.
func (b *EventBatcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Destroy performs a final flush, stops the timer and rejects later sends.
// Safe to call more than once.
func (b *EventBatcher) Destroy() {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.Flush()
		close(b.stop)
		<-b.done
	})
}

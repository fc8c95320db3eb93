package delivery

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/g960059/agtpilot/internal/metrics"
)

const DefaultThrottleInterval = 16 * time.Millisecond

type ThrottleOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   logr.Logger
	Metrics  *metrics.Metrics
}

// ThrottledSender delivers at most one value per interval on a single
// channel. Values sent inside the interval replace each other; the last one
// is delivered when the interval ends.
type ThrottledSender struct {
	sink     Sink
	channel  string
	clock    clock.Clock
	interval time.Duration
	log      logr.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	lastSent   time.Time
	sentOnce   bool
	pending    any
	hasPending bool
	disarm     chan struct{} // non-nil while a timer is armed
	closed     bool
}

func NewThrottledSender(sink Sink, channel string, opts ThrottleOptions) *ThrottledSender {
	if opts.Interval <= 0 {
		opts.Interval = DefaultThrottleInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &ThrottledSender{
		sink:     sink,
		channel:  channel,
		clock:    opts.Clock,
		interval: opts.Interval,
		log:      opts.Logger.WithName("throttle").WithValues("channel", channel),
		metrics:  opts.Metrics,
	}
}

func (s *ThrottledSender) Send(value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.clock.Now()
	elapsed := now.Sub(s.lastSent)
	if s.disarm == nil && (!s.sentOnce || elapsed >= s.interval) {
		s.deliverLocked(value, now)
		return nil
	}
	if s.hasPending {
		s.metrics.Coalesced(s.channel)
	}
	s.pending = value
	s.hasPending = true
	if s.disarm == nil {
		s.disarm = make(chan struct{})
		go s.wait(s.clock.NewTimer(s.interval-elapsed), s.disarm)
	}
	return nil
}

func (s *ThrottledSender) wait(timer clock.Timer, disarm chan struct{}) {
	select {
	case <-timer.C():
	case <-disarm:
		timer.Stop()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disarm != disarm {
		return
	}
	s.disarm = nil
	if !s.hasPending || s.closed {
		return
	}
	value := s.pending
	s.pending, s.hasPending = nil, false
	s.deliverLocked(value, s.clock.Now())
}

func (s *ThrottledSender) deliverLocked(value any, now time.Time) {
	s.lastSent = now
	s.sentOnce = true
	if s.sink == nil {
		s.metrics.DeliveryFailed("sink_unavailable")
		return
	}
	if err := s.sink.Deliver(s.channel, value); err != nil {
		s.metrics.DeliveryFailed("throttled")
		s.log.V(1).Info("throttled delivery dropped", "reason", err.Error())
		return
	}
	s.metrics.Delivered("throttled")
}

// Discard drops the pending value and releases the armed timer, if any.
func (s *ThrottledSender) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked()
}

func (s *ThrottledSender) discardLocked() {
	s.pending, s.hasPending = nil, false
	if s.disarm != nil {
		close(s.disarm)
		s.disarm = nil
	}
}

// Close discards any pending value and rejects later sends.
func (s *ThrottledSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.discardLocked()
}

package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/utils/clock"

	"github.com/g960059/agtpilot/internal/api"
	"github.com/g960059/agtpilot/internal/delivery"
)

const (
	defaultClientBuffer = 256
	streamWriteTimeout  = 10 * time.Second
)

// StreamHub fans presentation deliveries out to websocket viewers. It is
// the delivery sink behind the batcher and the cursor throttle; with no
// viewers attached it reports the sink as unavailable.
type StreamHub struct {
	streamID string
	clock    clock.PassiveClock
	log      logr.Logger
	buffer   int
	upgrader websocket.Upgrader
	sequence atomic.Int64

	// hello returns the frames a new viewer receives before live traffic.
	hello func() []api.StreamFrame

	mu      sync.RWMutex
	viewers map[string]*viewer
	closed  bool
}

type viewer struct {
	id     string
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (v *viewer) stop() {
	v.once.Do(func() { close(v.done) })
}

func NewStreamHub(streamID string, clk clock.PassiveClock, log logr.Logger, buffer int) *StreamHub {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if buffer < 1 {
		buffer = defaultClientBuffer
	}
	return &StreamHub{
		streamID: streamID,
		clock:    clk,
		log:      log.WithName("stream"),
		buffer:   buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		viewers: map[string]*viewer{},
	}
}

// SetHello installs the snapshot sent to each new viewer.
func (h *StreamHub) SetHello(fn func() []api.StreamFrame) {
	h.mu.Lock()
	h.hello = fn
	h.mu.Unlock()
}

func (h *StreamHub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Frame stamps payload with the hub's stream id and the next sequence.
func (h *StreamHub) Frame(channel string, payload any) api.StreamFrame {
	return api.StreamFrame{
		StreamID:  h.streamID,
		Sequence:  h.sequence.Add(1),
		Channel:   channel,
		EmittedAt: h.clock.Now().UTC(),
		Payload:   payload,
	}
}

// Deliver implements delivery.Sink. A viewer whose buffer is full is
// disconnected rather than slowing the others down.
func (h *StreamHub) Deliver(channel string, payload any) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed || len(h.viewers) == 0 {
		return delivery.ErrSinkUnavailable
	}
	data, err := json.Marshal(h.Frame(channel, payload))
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", channel, err)
	}
	for _, v := range h.viewers {
		select {
		case v.sendCh <- data:
		case <-v.done:
		default:
			h.log.Info("viewer too slow, disconnecting", "viewer_id", v.id, "channel", channel)
			v.stop()
		}
	}
	return nil
}

func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("stream upgrade failed", "error", err.Error())
		return
	}
	v := &viewer{
		id:     uuid.NewString(),
		sendCh: make(chan []byte, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.viewers[v.id] = v
	hello := h.hello
	h.mu.Unlock()
	// The snapshot is taken after registration, so it is at least as new as
	// any live frame queued ahead of it.
	if hello != nil {
		for _, frame := range hello() {
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			select {
			case v.sendCh <- data:
			default:
			}
		}
	}
	h.log.V(1).Info("viewer attached", "viewer_id", v.id, "viewers", h.Viewers())

	go h.writePump(conn, v)
	h.readPump(conn, v)

	h.mu.Lock()
	delete(h.viewers, v.id)
	h.mu.Unlock()
	v.stop()
	h.log.V(1).Info("viewer detached", "viewer_id", v.id)
}

// readPump discards viewer input and returns when the viewer goes away.
func (h *StreamHub) readPump(conn *websocket.Conn, v *viewer) {
	go func() {
		<-v.done
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writePump(conn *websocket.Conn, v *viewer) {
	defer func() {
		v.stop()
		_ = conn.Close()
	}()
	for {
		select {
		case data := <-v.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.V(1).Info("viewer write failed", "viewer_id", v.id, "error", err.Error())
				return
			}
		case <-v.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Close disconnects every viewer; later deliveries report the sink as
// unavailable.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, v := range h.viewers {
		v.stop()
	}
}

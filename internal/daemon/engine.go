package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/g960059/agtpilot/internal/model"
	"github.com/g960059/agtpilot/internal/wire"
)

var ErrEngineUnavailable = errors.New(model.ErrEngineUnavailable)

// EngineLink is the single websocket connection to the automation engine.
// Events read from it are handed to the controller's event channel and
// commands are written back in the codec the engine connected with.
type EngineLink struct {
	log          logr.Logger
	writeTimeout time.Duration
	events       chan model.Event
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	codec   wire.Codec
}

func NewEngineLink(log logr.Logger, writeTimeout time.Duration, buffer int) *EngineLink {
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	if buffer < 1 {
		buffer = 256
	}
	return &EngineLink{
		log:          log.WithName("engine"),
		writeTimeout: writeTimeout,
		events:       make(chan model.Event, buffer),
		upgrader: websocket.Upgrader{
			// Only reachable over the owner-only unix socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Events is the channel the controller's Run loop consumes.
func (l *EngineLink) Events() <-chan model.Event {
	return l.events
}

func (l *EngineLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Send writes cmd to the connected engine.
func (l *EngineLink) Send(ctx context.Context, cmd model.Command) error {
	l.mu.Lock()
	conn, codec := l.conn, l.codec
	l.mu.Unlock()
	if conn == nil {
		return ErrEngineUnavailable
	}
	data, err := wire.EncodeCommand(codec, cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	messageType := websocket.TextMessage
	if codec == wire.CBOR {
		messageType = websocket.BinaryMessage
	}
	deadline := time.Now().Add(l.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// ServeHTTP upgrades an engine connection. A newer connection replaces the
// current one. The engine picks its codec with ?encoding=cbor; binary frames
// are always read as CBOR.
func (l *EngineLink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec := wire.JSON
	if enc := r.URL.Query().Get("encoding"); enc != "" {
		switch wire.Codec(enc) {
		case wire.JSON, wire.CBOR:
			codec = wire.Codec(enc)
		default:
			http.Error(w, "unsupported encoding", http.StatusUnsupportedMediaType)
			return
		}
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Info("engine upgrade failed", "error", err.Error())
		return
	}

	l.mu.Lock()
	previous := l.conn
	l.conn = conn
	l.codec = codec
	l.mu.Unlock()
	if previous != nil {
		l.log.Info("engine connection replaced")
		_ = previous.Close()
	}
	l.log.Info("engine connected", "encoding", codec)

	l.readLoop(r.Context(), conn)
}

func (l *EngineLink) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
			l.log.Info("engine disconnected")
		}
		l.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Info("engine read failed", "error", err.Error())
			}
			return
		}
		codec := wire.JSON
		if messageType == websocket.BinaryMessage {
			codec = wire.CBOR
		}
		events, err := wire.DecodeEvents(codec, data)
		if err != nil {
			l.log.Info("protocol violation, engine frame dropped", "encoding", codec, "error", err.Error())
			continue
		}
		for _, ev := range events {
			select {
			case l.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close drops the current engine connection.
func (l *EngineLink) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return conn.Close()
}

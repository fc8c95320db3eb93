// Package wire decodes engine events and encodes engine commands in JSON
// or CBOR.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/g960059/agtpilot/internal/model"
)

type Codec string

const (
	JSON Codec = "json"
	CBOR Codec = "cbor"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var (
	ErrUnsupportedEncoding = errors.New(model.ErrUnsupportedEncoding)
	ErrInvalidEvent        = errors.New(model.ErrProtocolViolation)
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Params arrive as maps with string keys; keep them usable by the
		// risk policy and the JSON presentation feed.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// CodecForContentType maps an HTTP content type to a codec. An empty
// content type means JSON.
func CodecForContentType(contentType string) (Codec, error) {
	if strings.TrimSpace(contentType) == "" {
		return JSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}
	switch mediaType {
	case ContentTypeJSON, "text/json":
		return JSON, nil
	case ContentTypeCBOR:
		return CBOR, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEncoding, mediaType)
	}
}

func (c Codec) ContentType() string {
	if c == CBOR {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

func (c Codec) Marshal(v any) ([]byte, error) {
	switch c {
	case JSON:
		return json.Marshal(v)
	case CBOR:
		return encMode.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, c)
	}
}

func (c Codec) Unmarshal(data []byte, v any) error {
	switch c {
	case JSON:
		return json.Unmarshal(data, v)
	case CBOR:
		return decMode.Unmarshal(data, v)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEncoding, c)
	}
}

// envelope is the engine's message shape. Both task_id and taskId are
// accepted.
type envelope struct {
	ID          string `json:"id,omitempty" cbor:"id,omitempty"`
	Type        string `json:"type" cbor:"type"`
	TaskID      string `json:"task_id,omitempty" cbor:"task_id,omitempty"`
	TaskIDCamel string `json:"taskId,omitempty" cbor:"taskId,omitempty"`
	Seq         *int64 `json:"seq,omitempty" cbor:"seq,omitempty"`
	Timestamp   any    `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

type jsonEnvelope struct {
	envelope
	Data json.RawMessage `json:"data,omitempty"`
}

type cborEnvelope struct {
	envelope
	Data cbor.RawMessage `cbor:"data,omitempty"`
}

// DecodeEvent decodes a single event message.
func DecodeEvent(codec Codec, data []byte) (model.Event, error) {
	switch codec {
	case JSON:
		var env jsonEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return model.Event{}, fmt.Errorf("%w: decode json event: %v", ErrInvalidEvent, err)
		}
		return buildEvent(env.envelope, len(env.Data) > 0, func(v any) error { return json.Unmarshal(env.Data, v) })
	case CBOR:
		var env cborEnvelope
		if err := decMode.Unmarshal(data, &env); err != nil {
			return model.Event{}, fmt.Errorf("%w: decode cbor event: %v", ErrInvalidEvent, err)
		}
		return buildEvent(env.envelope, len(env.Data) > 0, func(v any) error { return decMode.Unmarshal(env.Data, v) })
	default:
		return model.Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, codec)
	}
}

// DecodeEvents accepts either one event or an array of events.
func DecodeEvents(codec Codec, data []byte) ([]model.Event, error) {
	var items [][]byte
	switch codec {
	case JSON:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			ev, err := DecodeEvent(codec, data)
			if err != nil {
				return nil, err
			}
			return []model.Event{ev}, nil
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: decode json batch: %v", ErrInvalidEvent, err)
		}
		for _, item := range raw {
			items = append(items, item)
		}
	case CBOR:
		// Major type 4 is an array.
		if len(data) == 0 || data[0]>>5 != 4 {
			ev, err := DecodeEvent(codec, data)
			if err != nil {
				return nil, err
			}
			return []model.Event{ev}, nil
		}
		var raw []cbor.RawMessage
		if err := decMode.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: decode cbor batch: %v", ErrInvalidEvent, err)
		}
		for _, item := range raw {
			items = append(items, item)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, codec)
	}
	events := make([]model.Event, 0, len(items))
	for i, item := range items {
		ev, err := DecodeEvent(codec, item)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func buildEvent(env envelope, hasData bool, decodeData func(any) error) (model.Event, error) {
	ev := model.Event{
		ID:     env.ID,
		Type:   model.EventType(strings.ToLower(strings.TrimSpace(env.Type))),
		TaskID: env.TaskID,
		Seq:    env.Seq,
	}
	if ev.TaskID == "" {
		ev.TaskID = env.TaskIDCamel
	}
	if ev.TaskID == "" {
		return model.Event{}, fmt.Errorf("%w: task_id is required", ErrInvalidEvent)
	}
	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev.Timestamp = ts

	payload, err := newPayload(ev.Type)
	if err != nil {
		return model.Event{}, err
	}
	if hasData {
		if err := decodeData(payload); err != nil {
			return model.Event{}, fmt.Errorf("%w: decode %s data: %v", ErrInvalidEvent, ev.Type, err)
		}
	}
	ev.Payload = reflect.ValueOf(payload).Elem().Interface().(model.Payload)
	return ev, nil
}

func newPayload(eventType model.EventType) (any, error) {
	switch eventType {
	case model.EventStatus:
		return &model.StatusPayload{}, nil
	case model.EventProgress:
		return &model.ProgressPayload{}, nil
	case model.EventError:
		return &model.ErrorPayload{}, nil
	case model.EventConfirm:
		return &model.ConfirmPayload{}, nil
	case model.EventComplete:
		return &model.CompletePayload{}, nil
	case model.EventTool:
		return &model.ToolPayload{}, nil
	case model.EventToast:
		return &model.ToastPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
}

// parseTimestamp accepts RFC 3339 strings, Unix milliseconds, or a CBOR
// time value. A missing timestamp yields the zero time.
func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v.UTC(), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", v, err)
		}
		return t.UTC(), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return time.Time{}, fmt.Errorf("timestamp is not finite")
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case uint64:
		if v > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("timestamp %d out of range", v)
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

// commandFrame is what the engine receives for each command.
type commandFrame struct {
	Type     model.CommandType `json:"type" cbor:"type"`
	TaskID   string            `json:"task_id" cbor:"task_id"`
	ActionID string            `json:"action_id,omitempty" cbor:"action_id,omitempty"`
	TaskText string            `json:"task_text,omitempty" cbor:"task_text,omitempty"`
	Targets  []string          `json:"targets,omitempty" cbor:"targets,omitempty"`
	Target   string            `json:"target,omitempty" cbor:"target,omitempty"`
	IssuedAt time.Time         `json:"issued_at" cbor:"issued_at"`
}

func EncodeCommand(codec Codec, cmd model.Command) ([]byte, error) {
	return codec.Marshal(commandFrame{
		Type:     cmd.Type,
		TaskID:   cmd.TaskID,
		ActionID: cmd.ActionID,
		TaskText: cmd.TaskText,
		Targets:  cmd.Targets,
		Target:   cmd.Target,
		IssuedAt: cmd.IssuedAt.UTC(),
	})
}

func DecodeCommand(codec Codec, data []byte) (model.Command, error) {
	var frame commandFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return model.Command{}, err
	}
	return model.Command{
		Type:     frame.Type,
		TaskID:   frame.TaskID,
		ActionID: frame.ActionID,
		TaskText: frame.TaskText,
		Targets:  frame.Targets,
		Target:   frame.Target,
		IssuedAt: frame.IssuedAt,
	}, nil
}

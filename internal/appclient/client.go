package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/agtpilot/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	dialer       *websocket.Dialer
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

// Commands accepted by /v1/commands/{name}.
const (
	CommandStop        = "stop"
	CommandPause       = "pause"
	CommandResume      = "resume"
	CommandConfirm     = "confirm"
	CommandDeny        = "deny"
	CommandCycleTarget = "cycle-target"
)

func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	c := NewWithClient("http://unix", &http.Client{Transport: &http.Transport{DialContext: dial}})
	c.dialer = &websocket.Dialer{NetDialContext: dial, HandshakeTimeout: 5 * time.Second}
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		dialer:       &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrStreamPayloadInvalid = errors.New("stream payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &resp)
	return resp, err
}

func (c *Client) StartTask(ctx context.Context, taskText string, targets []string) (api.TaskResponse, error) {
	var resp api.TaskResponse
	err := c.do(ctx, http.MethodPost, "/v1/tasks", nil, api.StartTaskRequest{TaskText: taskText, Targets: targets}, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context) (api.TasksEnvelope, error) {
	var env api.TasksEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, nil, &env)
	return env, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (api.TaskResponse, error) {
	var resp api.TaskResponse
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, nil, &resp)
	return resp, err
}

// Stop stops taskID, or the active task when taskID is empty.
func (c *Client) Stop(ctx context.Context, taskID string) (api.CommandResponse, error) {
	if strings.TrimSpace(taskID) == "" {
		return c.Command(ctx, CommandStop)
	}
	var resp api.CommandResponse
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/stop", nil, nil, &resp)
	return resp, err
}

// Command runs one of the active-task commands.
func (c *Client) Command(ctx context.Context, name string) (api.CommandResponse, error) {
	var resp api.CommandResponse
	err := c.do(ctx, http.MethodPost, "/v1/commands/"+url.PathEscape(name), nil, nil, &resp)
	return resp, err
}

func (c *Client) Trigger(ctx context.Context, req api.TriggerRequest) (api.TriggerResponse, error) {
	var resp api.TriggerResponse
	err := c.do(ctx, http.MethodPost, "/v1/triggers", nil, req, &resp)
	return resp, err
}

func (c *Client) ListConfirmations(ctx context.Context, taskID string) (api.ConfirmationsEnvelope, error) {
	query := url.Values{}
	if taskID = strings.TrimSpace(taskID); taskID != "" {
		query.Set("task_id", taskID)
	}
	var env api.ConfirmationsEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/confirmations", query, nil, &env)
	return env, err
}

func (c *Client) ListTransitions(ctx context.Context, taskID string) (api.TransitionsEnvelope, error) {
	var env api.TransitionsEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID)+"/transitions", nil, nil, &env)
	return env, err
}

// ListHistory returns recorded tasks newest first. A limit of zero returns
// all of them.
func (c *Client) ListHistory(ctx context.Context, limit int) (api.HistoryEnvelope, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var env api.HistoryEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/history", query, nil, &env)
	return env, err
}

func (c *Client) Keymap(ctx context.Context) (api.KeymapResponse, error) {
	var resp api.KeymapResponse
	err := c.do(ctx, http.MethodGet, "/v1/keymap", nil, nil, &resp)
	return resp, err
}

// PostEvents submits raw engine events encoded as contentType.
func (c *Client) PostEvents(ctx context.Context, contentType string, body []byte) (api.EventsResponse, error) {
	payload, err := c.requestRaw(ctx, http.MethodPost, "/v1/events", nil, contentType, bytes.NewReader(body), false)
	if err != nil {
		return api.EventsResponse{}, err
	}
	var resp api.EventsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return api.EventsResponse{}, fmt.Errorf("decode events response: %w", err)
	}
	return resp, nil
}

type StreamLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

// Stream reads presentation frames until the connection ends, ctx is done
// or onFrame returns an error.
func (c *Client) Stream(ctx context.Context, onFrame func(api.StreamFrame) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/stream"
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return &RequestError{StatusCode: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: err.Error()}
		}
		return err
	}
	defer conn.Close() //nolint:errcheck

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var frame api.StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("%w: decode frame: %v", ErrStreamPayloadInvalid, err)
		}
		if onFrame == nil {
			continue
		}
		if err := onFrame(frame); err != nil {
			return &frameHandlerError{err: err}
		}
	}
}

// StreamLoop reconnects with exponential backoff until ctx is done.
func (c *Client) StreamLoop(ctx context.Context, opts StreamLoopOptions, onFrame func(api.StreamFrame) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		err := c.Stream(ctx, onFrame)
		if opts.Once || ctx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if errors.Is(err, ErrStreamPayloadInvalid) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		var frameErr *frameHandlerError
		if errors.As(err, &frameErr) {
			return frameErr.err
		}
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// frameHandlerError marks errors returned by the caller's frame handler so
// the loop stops instead of reconnecting.
type frameHandlerError struct{ err error }

func (e *frameHandlerError) Error() string { return e.err.Error() }
func (e *frameHandlerError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	payload, err := c.request(ctx, method, path, query, body, false)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	var reqBody io.Reader
	contentType := ""
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
		contentType = "application/json"
	}
	return c.requestRaw(ctx, method, path, query, contentType, reqBody, longLived)
}

func (c *Client) requestRaw(ctx context.Context, method, path string, query url.Values, contentType string, reqBody io.Reader, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

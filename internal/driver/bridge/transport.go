package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"relaybot/internal/domain"

	"github.com/google/uuid"
)

// Bridge result codes.
const (
	CodeOK             = 0
	CodeNotReady       = 101
	CodeSendFailed     = 102
	CodeInvalidParams  = 103
	CodeNotAllowed     = 106
	CodeExecFailed     = 107
	CodeWindowNotFound = 108
)

const maxBodyBytes = 4 << 20

// envelope is the bridge's response shape.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// CodeError is a non-zero bridge result.
type CodeError struct {
	Op      string
	Code    int
	Message string
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("bridge %s: code %d: %s", e.Op, e.Code, e.Message)
}

// Unwrap maps bridge codes onto the domain taxonomy.
func (e *CodeError) Unwrap() error {
	switch e.Code {
	case CodeNotReady:
		return domain.ErrDriverUnreachable
	case CodeWindowNotFound:
		return domain.ErrWindowNotFound
	}
	return nil
}

type execWX struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

type execChat struct {
	ChatName string         `json:"chat_name"`
	Name     string         `json:"name"`
	Params   map[string]any `json:"params"`
}

type listenAdd struct {
	Nickname string `json:"nickname"`
}

type sendText struct {
	Receiver string `json:"sendReceiver"`
	Content  string `json:"content"`
	At       string `json:"atReceiver,omitempty"`
}

// post sends body to path and returns the data of a code-0 envelope.
// Failing to reach the bridge at all is ErrDriverUnreachable.
func (d *Driver) post(ctx context.Context, op, path string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("bridge %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	d.authorize(req)

	resp, err := d.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: bridge %s: %v", domain.ErrDriverUnreachable, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: bridge %s: read body: %v", domain.ErrDriverUnreachable, op, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: bridge %s: HTTP %d", domain.ErrDriverUnreachable, op, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge %s: HTTP %d", op, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("bridge %s: malformed response: %w", op, err)
	}
	if env.Code != CodeOK {
		return nil, &CodeError{Op: op, Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}

func (d *Driver) wx(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	return d.post(ctx, name, "/execute/wx", execWX{Name: name, Params: params})
}

func (d *Driver) chat(ctx context.Context, chatName, name string) (json.RawMessage, error) {
	return d.post(ctx, name, "/execute/chat", execChat{ChatName: chatName, Name: name, Params: map[string]any{}})
}

func (d *Driver) authorize(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

// isEmpty reports whether a data payload carries nothing.
func isEmpty(data json.RawMessage) bool {
	s := string(bytes.TrimSpace(data))
	switch s {
	case "", "null", "{}", "[]", `""`, "false":
		return true
	}
	return false
}

package domain

import (
	"context"
	"time"
)

// Page is a neutral top-level view of the chat client.
type Page string

const (
	PageChats    Page = "chats"
	PageContacts Page = "contacts"
)

// RawMessage is the payload a driver hands to a subscription callback,
// before conversion into a ChatMessage.
type RawMessage struct {
	ID         string      `json:"id"`
	Hash       string      `json:"hash,omitempty"`
	Attr       string      `json:"attr"` // system | self | friend | ...
	Type       string      `json:"type"` // text | image | voice | video | file | link | quote | refer
	Sender     string      `json:"sender"`
	ChatName   string      `json:"chat_name"`
	ChatType   string      `json:"chat_type"` // friend | group
	Content    string      `json:"content"`
	FilePath   string      `json:"file_path,omitempty"`
	FileName   string      `json:"file_name,omitempty"`
	URL        string      `json:"url,omitempty"`
	VoiceText  string      `json:"voice_text,omitempty"`
	Quoted     *RawMessage `json:"quoted,omitempty"`
	ReceivedAt time.Time   `json:"received_at,omitempty"`
}

// Callback receives inbound messages for one subscription. Drivers invoke
// it on their own goroutine; implementations must not block.
type Callback func(RawMessage)

// Driver is the set of operations required of a UI-automation adapter.
// A nil error means the operation succeeded. Adapters wrap "cannot reach
// the automation session" failures with ErrDriverUnreachable.
type Driver interface {
	ListOpenWindows(ctx context.Context) ([]string, error)
	// Probe is a lightweight liveness query against an open window.
	Probe(ctx context.Context, name string) error
	Focus(ctx context.Context, name string) error
	// CloseWindow is a no-op when the window is not open.
	CloseWindow(ctx context.Context, name string) error
	ShowPage(ctx context.Context, page Page) error
	Subscribe(ctx context.Context, name string, cb Callback) error
	Unsubscribe(ctx context.Context, name string) error
	SendText(ctx context.Context, conversationID, text string, mentions []string) error
}

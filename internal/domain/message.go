package domain

import (
	"fmt"
	"time"
)

// MessageKind classifies a chat message body.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindImage   MessageKind = "image"
	KindVoice   MessageKind = "voice"
	KindVideo   MessageKind = "video"
	KindFile    MessageKind = "file"
	KindLink    MessageKind = "link"
	KindQuote   MessageKind = "quote"
	KindUnknown MessageKind = "unknown"
)

// Envelope holds the fields shared by every message kind.
type Envelope struct {
	ID             string
	Hash           string
	Sender         string
	ConversationID string // stable per window
	IsGroup        bool
	IsSelf         bool
	MentionsAgent  bool
	ReceivedAt     time.Time
}

// Media is the payload of image, voice, video and file messages.
type Media struct {
	Path       string
	FileName   string // file messages only
	Transcript string // voice messages only
}

// ChatMessage is an immutable tagged union. Build it with the New*
// constructors; the zero value is an unknown message with no envelope.
type ChatMessage struct {
	env    Envelope
	kind   MessageKind
	text   string
	media  Media
	url    string
	quoted *ChatMessage
}

func NewText(env Envelope, text string) ChatMessage {
	return ChatMessage{env: env, kind: KindText, text: text}
}

// NewMedia builds an image, voice, video or file message.
func NewMedia(env Envelope, kind MessageKind, m Media) (ChatMessage, error) {
	switch kind {
	case KindImage, KindVoice, KindVideo, KindFile:
	default:
		return ChatMessage{}, fmt.Errorf("%w: %s is not a media kind", ErrConversion, kind)
	}
	return ChatMessage{env: env, kind: kind, media: m}, nil
}

// NewLink builds a link message; title is optional.
func NewLink(env Envelope, url, title string) ChatMessage {
	return ChatMessage{env: env, kind: KindLink, url: url, text: title}
}

// NewQuote builds a reply that quotes exactly one earlier message.
// The quoted message must not itself be a quote.
func NewQuote(env Envelope, reply string, quoted ChatMessage) (ChatMessage, error) {
	if quoted.kind == KindQuote {
		return ChatMessage{}, ErrQuoteOfQuote
	}
	q := quoted
	return ChatMessage{env: env, kind: KindQuote, text: reply, quoted: &q}, nil
}

func NewUnknown(env Envelope, raw string) ChatMessage {
	return ChatMessage{env: env, kind: KindUnknown, text: raw}
}

func (m ChatMessage) Kind() MessageKind {
	if m.kind == "" {
		return KindUnknown
	}
	return m.kind
}

func (m ChatMessage) Envelope() Envelope     { return m.env }
func (m ChatMessage) ID() string             { return m.env.ID }
func (m ChatMessage) Sender() string         { return m.env.Sender }
func (m ChatMessage) ConversationID() string { return m.env.ConversationID }
func (m ChatMessage) IsGroup() bool          { return m.env.IsGroup }
func (m ChatMessage) IsSelf() bool           { return m.env.IsSelf }
func (m ChatMessage) MentionsAgent() bool    { return m.env.MentionsAgent }

// Text returns the text body: the message text, the quote reply, the link
// title or the raw payload of an unknown message.
func (m ChatMessage) Text() string { return m.text }

// Media returns the media payload and whether the message carries one.
func (m ChatMessage) Media() (Media, bool) {
	switch m.kind {
	case KindImage, KindVoice, KindVideo, KindFile:
		return m.media, true
	}
	return Media{}, false
}

// URL returns the link target for link messages.
func (m ChatMessage) URL() string { return m.url }

// Quoted returns the nested message of a quote.
func (m ChatMessage) Quoted() (ChatMessage, bool) {
	if m.quoted == nil {
		return ChatMessage{}, false
	}
	return *m.quoted, true
}

// Content is the searchable text of the message, used for mention
// detection and line counting.
func (m ChatMessage) Content() string {
	switch m.kind {
	case KindText, KindQuote, KindUnknown:
		return m.text
	case KindVoice:
		return m.media.Transcript
	case KindLink:
		return m.url
	}
	return ""
}

// WithEnvelope returns a copy carrying env. Used by conversion to attach
// derived flags after the body has been decoded.
func (m ChatMessage) WithEnvelope(env Envelope) ChatMessage {
	m.env = env
	return m
}

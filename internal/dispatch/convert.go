package dispatch

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"relaybot/internal/domain"
)

// Converter turns driver payloads into ChatMessages and decides whether a
// message addresses the agent.
type Converter struct {
	tokens []string // "@name" forms, matched in any content
	bare   []string // plain names, matched in voice transcripts only
	now    func() time.Time
}

// NewConverter builds a converter for an agent known by name and aliases.
// Blank and duplicate names are ignored.
func NewConverter(name string, aliases []string) *Converter {
	c := &Converter{now: time.Now}
	for _, n := range append([]string{name}, aliases...) {
		n = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(n), "@"))
		if n == "" || slices.Contains(c.bare, n) {
			continue
		}
		c.bare = append(c.bare, n)
		c.tokens = append(c.tokens, "@"+n)
	}
	return c
}

// Convert builds the ChatMessage for raw. The conversation id is the chat
// name; a payload without one is rejected.
func (c *Converter) Convert(raw domain.RawMessage) (domain.ChatMessage, error) {
	if strings.TrimSpace(raw.ChatName) == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: message %q has no conversation", domain.ErrConversion, raw.ID)
	}

	env := c.envelope(raw, raw.ChatName)
	msg, err := c.body(env, raw, true)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	env.MentionsAgent = c.mentions(msg)
	return msg.WithEnvelope(env), nil
}

func (c *Converter) envelope(raw domain.RawMessage, conversation string) domain.Envelope {
	at := raw.ReceivedAt
	if at.IsZero() {
		at = c.now()
	}
	return domain.Envelope{
		ID:             raw.ID,
		Hash:           raw.Hash,
		Sender:         raw.Sender,
		ConversationID: conversation,
		IsGroup:        raw.ChatType == "group",
		IsSelf:         raw.Attr == "self",
		ReceivedAt:     at,
	}
}

// body decodes the payload by type. allowQuote is false for the nested
// message of a quote: a quote found there is flattened to its reply text.
func (c *Converter) body(env domain.Envelope, raw domain.RawMessage, allowQuote bool) (domain.ChatMessage, error) {
	switch strings.ToLower(raw.Type) {
	case "", "text":
		return domain.NewText(env, raw.Content), nil
	case "image":
		return domain.NewMedia(env, domain.KindImage, domain.Media{Path: raw.FilePath})
	case "video":
		return domain.NewMedia(env, domain.KindVideo, domain.Media{Path: raw.FilePath})
	case "voice":
		transcript := raw.VoiceText
		if transcript == "" {
			transcript = raw.Content
		}
		return domain.NewMedia(env, domain.KindVoice, domain.Media{Path: raw.FilePath, Transcript: transcript})
	case "file":
		return domain.NewMedia(env, domain.KindFile, domain.Media{Path: raw.FilePath, FileName: raw.FileName})
	case "link":
		if raw.URL == "" {
			return domain.NewLink(env, raw.Content, ""), nil
		}
		return domain.NewLink(env, raw.URL, raw.Content), nil
	case "quote", "refer":
		if !allowQuote {
			return domain.NewText(env, raw.Content), nil
		}
		if raw.Quoted == nil {
			return domain.ChatMessage{}, fmt.Errorf("%w: quote %q carries no quoted message", domain.ErrConversion, raw.ID)
		}
		nested, err := c.body(c.envelope(*raw.Quoted, env.ConversationID), *raw.Quoted, false)
		if err != nil {
			return domain.ChatMessage{}, err
		}
		return domain.NewQuote(env, raw.Content, nested)
	default:
		return domain.NewUnknown(env, raw.Content), nil
	}
}

func (c *Converter) mentions(msg domain.ChatMessage) bool {
	content := msg.Content()
	if content == "" {
		return false
	}
	for _, tok := range c.tokens {
		if strings.Contains(content, tok) {
			return true
		}
	}
	if msg.Kind() == domain.KindVoice {
		for _, n := range c.bare {
			if strings.Contains(content, n) {
				return true
			}
		}
	}
	return false
}

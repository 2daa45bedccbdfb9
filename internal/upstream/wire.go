package upstream

import (
	"encoding/json"

	"relaybot/internal/domain"
)

// chatRequest is the body posted to the answer service.
type chatRequest struct {
	Token     string       `json:"token,omitempty"`
	MsgType   string       `json:"msg_type"`
	MsgID     string       `json:"msg_id,omitempty"`
	Sender    string       `json:"sender"`
	ChatID    string       `json:"chat_id"`
	Content   string       `json:"content,omitempty"`
	IsGroup   bool         `json:"is_group"`
	IsAtMe    bool         `json:"is_at_me"`
	FilePath  string       `json:"file_path,omitempty"`
	FileName  string       `json:"file_name,omitempty"`
	VoiceText string       `json:"voice_text,omitempty"`
	LinkURL   string       `json:"link_url,omitempty"`
	ReferMsg  *chatRequest `json:"refer_msg,omitempty"`
}

// envelope is the answer service's response shape. Code 0 is success.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func wireType(k domain.MessageKind) string {
	if k == domain.KindQuote {
		return "refer"
	}
	return string(k)
}

func toRequest(msg domain.ChatMessage) *chatRequest {
	req := &chatRequest{
		MsgType: wireType(msg.Kind()),
		MsgID:   msg.ID(),
		Sender:  msg.Sender(),
		ChatID:  msg.ConversationID(),
		IsGroup: msg.IsGroup(),
		IsAtMe:  msg.MentionsAgent(),
	}
	switch msg.Kind() {
	case domain.KindLink:
		req.LinkURL = msg.URL()
		req.Content = msg.Text()
	case domain.KindQuote:
		req.Content = msg.Text()
		if nested, ok := msg.Quoted(); ok {
			req.ReferMsg = toRequest(nested)
		}
	default:
		req.Content = msg.Text()
	}
	if m, ok := msg.Media(); ok {
		req.FilePath = m.Path
		req.FileName = m.FileName
		req.VoiceText = m.Transcript
	}
	return req
}

// replyText extracts the reply from data, which is either a JSON string or
// an object carrying a "content" or "reply" field.
func replyText(data json.RawMessage) (string, bool) {
	if len(data) == 0 || string(data) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, true
	}
	var obj struct {
		Content *string `json:"content"`
		Reply   *string `json:"reply"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	switch {
	case obj.Content != nil:
		return *obj.Content, true
	case obj.Reply != nil:
		return *obj.Reply, true
	}
	return "", false
}

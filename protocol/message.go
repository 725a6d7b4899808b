package protocol

import "strings"

// UpsertNotify is the batch type carrying newly delivered messages. Other
// batch types (history sync, appends) are ignored by the relay.
const UpsertNotify = "notify"

// MessagesUpsert is one notification batch of inbound messages.
type MessagesUpsert struct {
	Type     string           `json:"type"`
	Messages []InboundMessage `json:"messages"`
}

type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"fromMe,omitempty"`
}

// InboundMessage is the subset of a raw protocol message the relay reads.
type InboundMessage struct {
	Key              MessageKey      `json:"key"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageTimestamp int64           `json:"messageTimestamp,omitempty"`
}

type MessageContent struct {
	Conversation        string        `json:"conversation,omitempty"`
	ExtendedTextMessage *TextMessage  `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaMessage `json:"imageMessage,omitempty"`
	VideoMessage        *MediaMessage `json:"videoMessage,omitempty"`
}

type TextMessage struct {
	Text string `json:"text,omitempty"`
}

type MediaMessage struct {
	Caption string `json:"caption,omitempty"`
}

// Text returns the first non-empty text body of the message, trimmed.
func (m *MessageContent) Text() string {
	if m == nil {
		return ""
	}
	var text string
	switch {
	case m.Conversation != "":
		text = m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		text = m.ExtendedTextMessage.Text
	case m.ImageMessage != nil && m.ImageMessage.Caption != "":
		text = m.ImageMessage.Caption
	case m.VideoMessage != nil && m.VideoMessage.Caption != "":
		text = m.VideoMessage.Caption
	}
	return strings.TrimSpace(text)
}

// Sender is the participant for group messages and the chat itself otherwise.
func (m InboundMessage) Sender() string {
	if m.Key.Participant != "" {
		return m.Key.Participant
	}
	return m.Key.RemoteJID
}

// DeleteKey returns the key that deletes this message.
func (m InboundMessage) DeleteKey() DeleteKey {
	return DeleteKey{
		RemoteJID:   m.Key.RemoteJID,
		ID:          m.Key.ID,
		Participant: m.Key.Participant,
		FromMe:      m.Key.FromMe,
	}
}

package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/nicebartender/chat-relay/protocol"
)

// Frame shapes shared with the bridge process.
type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is a request the bridge answered with ok=false.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// Event names emitted by the bridge.
const (
	eventConnection   = "connection.update"
	eventCredentials  = "creds.update"
	eventParticipants = "group-participants.update"
	eventMessages     = "messages.upsert"
)

// Request methods understood by the bridge.
const (
	methodConnect      = "connect"
	methodSendMessage  = "sendMessage"
	methodMetadata     = "groupMetadata"
	methodParticipants = "groupParticipantsUpdate"
)

type connectParams struct {
	Auth  json.RawMessage `json:"auth"`
	Token string          `json:"token,omitempty"`
}

type connectionUpdate struct {
	Connection string `json:"connection,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
	QR         string `json:"qr,omitempty"`
}

type participantsUpdate struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants,omitempty"`
	Action       string   `json:"action,omitempty"`
}

type sendParams struct {
	JID     string      `json:"jid"`
	Content sendContent `json:"content"`
}

type sendContent struct {
	Text     string              `json:"text,omitempty"`
	Mentions []string            `json:"mentions,omitempty"`
	Delete   *protocol.DeleteKey `json:"delete,omitempty"`
}

type jidParams struct {
	JID string `json:"jid"`
}

type participantsParams struct {
	JID          string   `json:"jid"`
	Participants []string `json:"participants"`
	Action       string   `json:"action"`
}

package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAction is returned for actions the dispatcher cannot execute.
var ErrInvalidAction = errors.New("invalid action")

// DeleteKey identifies a message for deletion. Mirrors the key of the
// inbound message it was taken from.
type DeleteKey struct {
	RemoteJID   string `json:"remoteJid"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"fromMe,omitempty"`
}

// Event is the normalized record sent to the decision service for every
// inbound text message.
type Event struct {
	Type        string    `json:"type"`
	ChatID      string    `json:"chat_id"`
	MsgID       string    `json:"msg_id"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text"`
	Timestamp   int64     `json:"timestamp"`
	IsGroup     bool      `json:"is_group"`
	GroupAdmins []string  `json:"group_admins"`
	Key         DeleteKey `json:"key"`
}

type ActionType string

const (
	ActionSend    ActionType = "send"
	ActionDelete  ActionType = "delete"
	ActionKick    ActionType = "kick"
	ActionAdd     ActionType = "add"
	ActionPromote ActionType = "promote"
	ActionDemote  ActionType = "demote"
)

// MembershipOp is the participant update verb understood by the session.
type MembershipOp string

const (
	OpAdd     MembershipOp = "add"
	OpRemove  MembershipOp = "remove"
	OpPromote MembershipOp = "promote"
	OpDemote  MembershipOp = "demote"
)

// Action is one outbound operation returned by the decision service.
// Which fields are meaningful depends on Type:
//
//	send:                       To, Text, Mentions
//	delete:                     Key
//	kick, add, promote, demote: ChatID, UserID
type Action struct {
	Type     ActionType `json:"type"`
	To       string     `json:"to,omitempty"`
	Text     string     `json:"text,omitempty"`
	Mentions []string   `json:"mentions,omitempty"`
	Key      *DeleteKey `json:"key,omitempty"`
	ChatID   string     `json:"chat_id,omitempty"`
	UserID   string     `json:"user_id,omitempty"`
}

// Decision is the decision service's response body.
type Decision struct {
	Actions []Action `json:"actions"`
}

// MembershipOp maps the membership action types onto session verbs.
func (a Action) MembershipOp() (MembershipOp, bool) {
	switch a.Type {
	case ActionKick:
		return OpRemove, true
	case ActionAdd:
		return OpAdd, true
	case ActionPromote:
		return OpPromote, true
	case ActionDemote:
		return OpDemote, true
	}
	return "", false
}

// Validate checks that the fields required by the action's type are set.
func (a Action) Validate() error {
	switch a.Type {
	case ActionSend:
		if a.To == "" {
			return fmt.Errorf("%w: send without recipient", ErrInvalidAction)
		}
	case ActionDelete:
		if a.Key == nil || a.Key.RemoteJID == "" || a.Key.ID == "" {
			return fmt.Errorf("%w: delete without key", ErrInvalidAction)
		}
	case ActionKick, ActionAdd, ActionPromote, ActionDemote:
		if a.ChatID == "" || a.UserID == "" {
			return fmt.Errorf("%w: %s requires chat_id and user_id", ErrInvalidAction, a.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	return nil
}

// Target returns the conversation the action applies to, for logging.
func (a Action) Target() string {
	switch {
	case a.To != "":
		return a.To
	case a.Key != nil:
		return a.Key.RemoteJID
	default:
		return a.ChatID
	}
}

// IsGroupJID reports whether a conversation id names a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

package protocol

import (
	"context"
	"errors"
)

// ErrSessionClosed is wrapped by session calls that fail because the
// connection is gone, as opposed to being refused by the protocol.
var ErrSessionClosed = errors.New("session closed")

// Disconnect reason codes reported with a close signal.
const (
	ReasonLoggedOut        = 401
	ReasonConnectionLost   = 408
	ReasonConnectionClosed = 428
	ReasonRestartRequired  = 515
)

// Participant is one member of a group conversation. Admin is empty for
// regular members and "admin" or "superadmin" otherwise.
type Participant struct {
	ID    string `json:"id"`
	Admin string `json:"admin,omitempty"`
}

func (p Participant) IsAdmin() bool { return p.Admin != "" }

type GroupMetadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject,omitempty"`
	Participants []Participant `json:"participants"`
}

// Session is one live protocol connection. Every call may fail with a
// transport or protocol error; none of them retry.
type Session interface {
	SendText(ctx context.Context, chatID, text string, mentions []string) error
	DeleteMessage(ctx context.Context, key DeleteKey) error
	GroupMetadata(ctx context.Context, chatID string) (*GroupMetadata, error)
	UpdateParticipants(ctx context.Context, chatID, userID string, op MembershipOp) error
	Close() error
}

// Listener receives the lifecycle signals of a single session. A session
// delivers signals from one goroutine, in order, and OnClose at most once.
// Implementations must not block for long: the session stops reading
// while a callback runs.
type Listener interface {
	OnOpen()
	OnClose(reason int, err error)
	OnCredentials(blob []byte)
	OnMembershipChange(chatID string)
	OnMessages(batch MessagesUpsert)
	OnPairingCode(code string)
}

// Dialer creates sessions. credentials may be nil for a fresh pairing.
type Dialer interface {
	Dial(ctx context.Context, credentials []byte, l Listener) (Session, error)
}

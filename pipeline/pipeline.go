// Package pipeline turns inbound protocol messages into decision requests
// and queues the returned actions.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/nicebartender/chat-relay/admincache"
	"github.com/nicebartender/chat-relay/protocol"
)

type Decider interface {
	Decide(ctx context.Context, ev protocol.Event) (*protocol.Decision, error)
}

type Submitter interface {
	Submit(s protocol.Session, a protocol.Action)
}

type AdminSource interface {
	Get(ctx context.Context, f admincache.Fetcher, chatID string) []string
}

type Pipeline struct {
	admins  AdminSource
	decider Decider
	actions Submitter
	clock   clockwork.Clock
}

func New(admins AdminSource, decider Decider, actions Submitter, clock clockwork.Clock) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{admins: admins, decider: decider, actions: actions, clock: clock}
}

// HandleBatch processes the messages of one notification batch in order.
// Only "notify" batches carry new messages; others are ignored.
func (p *Pipeline) HandleBatch(ctx context.Context, s protocol.Session, batch protocol.MessagesUpsert) {
	if batch.Type != protocol.UpsertNotify {
		return
	}
	for _, msg := range batch.Messages {
		p.HandleMessage(ctx, s, msg)
	}
}

// HandleMessage runs one message through the decision service. A failed
// decision drops the message; nothing is retried.
func (p *Pipeline) HandleMessage(ctx context.Context, s protocol.Session, msg protocol.InboundMessage) {
	text := msg.Message.Text()
	if text == "" || msg.Key.RemoteJID == "" {
		return
	}

	admins := []string{}
	if protocol.IsGroupJID(msg.Key.RemoteJID) {
		admins = p.admins.Get(ctx, s, msg.Key.RemoteJID)
	}
	ev := Normalize(msg, text, admins, p.clock.Now().Unix())

	decision, err := p.decider.Decide(ctx, ev)
	if err != nil {
		slog.Warn("decision failed, dropping message", "chat", ev.ChatID, "msg", ev.MsgID, "err", err)
		return
	}
	if decision == nil {
		return
	}
	for _, a := range decision.Actions {
		p.actions.Submit(s, a)
	}
	if n := len(decision.Actions); n > 0 {
		slog.Debug("actions queued", "chat", ev.ChatID, "msg", ev.MsgID, "count", n)
	}
}

// Normalize builds the decision request for msg. now is used when the
// message carries no timestamp.
func Normalize(msg protocol.InboundMessage, text string, admins []string, now int64) protocol.Event {
	ts := msg.MessageTimestamp
	if ts == 0 {
		ts = now
	}
	return protocol.Event{
		Type:        "message",
		ChatID:      msg.Key.RemoteJID,
		MsgID:       msg.Key.ID,
		SenderID:    msg.Sender(),
		Text:        text,
		Timestamp:   ts,
		IsGroup:     protocol.IsGroupJID(msg.Key.RemoteJID),
		GroupAdmins: admins,
		Key:         msg.DeleteKey(),
	}
}

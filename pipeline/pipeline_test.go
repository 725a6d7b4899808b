package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nicebartender/chat-relay/admincache"
	"github.com/nicebartender/chat-relay/brain"
	"github.com/nicebartender/chat-relay/dispatch"
	"github.com/nicebartender/chat-relay/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	chat     string
	text     string
	mentions []string
}

type fakeSession struct {
	mu        sync.Mutex
	metaCalls int
	sends     []sent
	meta      *protocol.GroupMetadata
}

func (s *fakeSession) SendText(_ context.Context, chatID, text string, mentions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sent{chatID, text, mentions})
	return nil
}

func (s *fakeSession) DeleteMessage(context.Context, protocol.DeleteKey) error { return nil }

func (s *fakeSession) GroupMetadata(context.Context, string) (*protocol.GroupMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaCalls++
	if s.meta == nil {
		return nil, errors.New("item-not-found")
	}
	return s.meta, nil
}

func (s *fakeSession) UpdateParticipants(context.Context, string, string, protocol.MembershipOp) error {
	return nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) Sends() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sends...)
}

func (s *fakeSession) MetaCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaCalls
}

type fakeDecider struct {
	mu      sync.Mutex
	events  []protocol.Event
	actions []protocol.Action
	err     error
}

func (d *fakeDecider) Decide(_ context.Context, ev protocol.Event) (*protocol.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	if d.err != nil {
		return nil, d.err
	}
	return &protocol.Decision{Actions: d.actions}, nil
}

type queued struct {
	session protocol.Session
	action  protocol.Action
}

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []queued
}

func (f *fakeSubmitter) Submit(s protocol.Session, a protocol.Action) {
	f.mu.Lock()
	f.tasks = append(f.tasks, queued{s, a})
	f.mu.Unlock()
}

func textMessage(chat, id, participant, text string) protocol.InboundMessage {
	return protocol.InboundMessage{
		Key:              protocol.MessageKey{RemoteJID: chat, ID: id, Participant: participant},
		Message:          &protocol.MessageContent{Conversation: text},
		MessageTimestamp: 1700000000,
	}
}

func newTestPipeline(d Decider, sub Submitter) *Pipeline {
	clock := clockwork.NewFakeClockAt(time.Unix(1800000000, 0))
	return New(admincache.New(admincache.DefaultTTL, clock), d, sub, clock)
}

func TestDirectMessageSkipsAdminLookup(t *testing.T) {
	sess := &fakeSession{}
	dec := &fakeDecider{actions: []protocol.Action{{Type: protocol.ActionSend, To: "a@s.whatsapp.net", Text: "pong"}}}
	sub := &fakeSubmitter{}
	p := newTestPipeline(dec, sub)

	p.HandleMessage(context.Background(), sess, textMessage("a@s.whatsapp.net", "M1", "", "  !ping "))

	assert.Equal(t, 0, sess.MetaCalls())
	require.Len(t, dec.events, 1)
	want := protocol.Event{
		Type:        "message",
		ChatID:      "a@s.whatsapp.net",
		MsgID:       "M1",
		SenderID:    "a@s.whatsapp.net",
		Text:        "!ping",
		Timestamp:   1700000000,
		IsGroup:     false,
		GroupAdmins: []string{},
		Key:         protocol.DeleteKey{RemoteJID: "a@s.whatsapp.net", ID: "M1"},
	}
	if diff := cmp.Diff(want, dec.events[0]); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, sub.tasks, 1)
	assert.Same(t, sess, sub.tasks[0].session)
}

func TestSkipsEmptyAndNonNotify(t *testing.T) {
	sess := &fakeSession{}
	dec := &fakeDecider{}
	p := newTestPipeline(dec, &fakeSubmitter{})
	ctx := context.Background()

	p.HandleBatch(ctx, sess, protocol.MessagesUpsert{
		Type:     "append",
		Messages: []protocol.InboundMessage{textMessage("a@s.whatsapp.net", "M1", "", "hi")},
	})
	p.HandleBatch(ctx, sess, protocol.MessagesUpsert{
		Type: protocol.UpsertNotify,
		Messages: []protocol.InboundMessage{
			{Key: protocol.MessageKey{RemoteJID: "a@s.whatsapp.net", ID: "M2"}},
			textMessage("a@s.whatsapp.net", "M3", "", "   "),
		},
	})
	assert.Empty(t, dec.events)
}

func TestBatchProcessedInOrder(t *testing.T) {
	dec := &fakeDecider{}
	p := newTestPipeline(dec, &fakeSubmitter{})

	p.HandleBatch(context.Background(), &fakeSession{}, protocol.MessagesUpsert{
		Type: protocol.UpsertNotify,
		Messages: []protocol.InboundMessage{
			textMessage("a@s.whatsapp.net", "M1", "", "one"),
			textMessage("a@s.whatsapp.net", "M2", "", "two"),
			textMessage("a@s.whatsapp.net", "M3", "", "three"),
		},
	})
	require.Len(t, dec.events, 3)
	for i, id := range []string{"M1", "M2", "M3"} {
		assert.Equal(t, id, dec.events[i].MsgID)
	}
}

func TestDecisionErrorDropsMessageOnly(t *testing.T) {
	dec := &fakeDecider{err: errors.New("Brain HTTP 500")}
	sub := &fakeSubmitter{}
	p := newTestPipeline(dec, sub)

	p.HandleBatch(context.Background(), &fakeSession{}, protocol.MessagesUpsert{
		Type: protocol.UpsertNotify,
		Messages: []protocol.InboundMessage{
			textMessage("a@s.whatsapp.net", "M1", "", "one"),
			textMessage("a@s.whatsapp.net", "M2", "", "two"),
		},
	})
	assert.Len(t, dec.events, 2, "a failed decision must not stop the batch")
	assert.Empty(t, sub.tasks)
}

func TestNormalizeFallbacks(t *testing.T) {
	msg := protocol.InboundMessage{
		Key: protocol.MessageKey{RemoteJID: "9@g.us", ID: "X", Participant: "p@s.whatsapp.net", FromMe: true},
		Message: &protocol.MessageContent{
			ImageMessage: &protocol.MediaMessage{Caption: "look"},
		},
	}
	ev := Normalize(msg, msg.Message.Text(), []string{"p@s.whatsapp.net"}, 42)
	assert.Equal(t, int64(42), ev.Timestamp)
	assert.Equal(t, "p@s.whatsapp.net", ev.SenderID)
	assert.Equal(t, "look", ev.Text)
	assert.True(t, ev.IsGroup)
	assert.True(t, ev.Key.FromMe)
	assert.Equal(t, "p@s.whatsapp.net", ev.Key.Participant)
}

// A group "hello" from an uncached conversation costs one metadata fetch
// and one decision call, and the returned send goes out on the session.
func TestGroupMessageEndToEnd(t *testing.T) {
	sess := &fakeSession{meta: &protocol.GroupMetadata{
		ID: "120363@g.us",
		Participants: []protocol.Participant{
			{ID: "owner@s.whatsapp.net", Admin: "superadmin"},
			{ID: "member@s.whatsapp.net"},
		},
	}}

	var (
		mu     sync.Mutex
		events []protocol.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev protocol.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		json.NewEncoder(w).Encode(protocol.Decision{Actions: []protocol.Action{
			{Type: protocol.ActionSend, To: ev.ChatID, Text: ev.Text},
		}})
	}))
	defer srv.Close()

	source := &currentSession{s: sess}
	d := dispatch.New(source, dispatch.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	p := New(admincache.New(admincache.DefaultTTL, nil), brain.NewClient(srv.URL, time.Second), d, nil)
	p.HandleBatch(ctx, sess, protocol.MessagesUpsert{
		Type:     protocol.UpsertNotify,
		Messages: []protocol.InboundMessage{textMessage("120363@g.us", "M1", "member@s.whatsapp.net", "hello")},
	})

	require.Eventually(t, func() bool { return len(sess.Sends()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, sess.MetaCalls())

	mu.Lock()
	require.Len(t, events, 1)
	assert.True(t, events[0].IsGroup)
	assert.Equal(t, []string{"owner@s.whatsapp.net"}, events[0].GroupAdmins)
	assert.Equal(t, "member@s.whatsapp.net", events[0].SenderID)
	mu.Unlock()

	got := sess.Sends()[0]
	assert.Equal(t, "120363@g.us", got.chat)
	assert.Equal(t, "hello", got.text)
}

type currentSession struct{ s protocol.Session }

func (c *currentSession) Current() protocol.Session { return c.s }

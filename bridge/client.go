// Package bridge implements the protocol session over a websocket to a
// bridge process that holds the actual chat-protocol connection.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nicebartender/chat-relay/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8 << 20

	DefaultRequestTimeout   = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// ErrNotConnected is returned by calls on a session whose socket is gone.
var ErrNotConnected = fmt.Errorf("bridge: not connected: %w", protocol.ErrSessionClosed)

// Dialer opens bridge sessions. One Dialer serves every reconnect.
type Dialer struct {
	URL              string
	Token            string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

func NewDialer(url, token string) *Dialer {
	return &Dialer{
		URL:              url,
		Token:            token,
		RequestTimeout:   DefaultRequestTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Dial connects, performs the connect handshake with creds, and starts
// delivering signals to l.
func (d *Dialer) Dial(ctx context.Context, creds []byte, l protocol.Listener) (protocol.Session, error) {
	c := &Client{
		listener: l,
		timeout:  d.RequestTimeout,
		pending:  make(map[string]chan wireMessage),
		done:     make(chan struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	if err := c.connect(ctx, websocketURL(d.URL), d.Token, creds, handshake); err != nil {
		return nil, err
	}
	return c, nil
}

// websocketURL accepts ws, wss, http and https forms of the bridge address.
func websocketURL(raw string) string {
	raw = strings.TrimSuffix(raw, "/")
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}

// Client is one bridge session. Signals are delivered from its read loop.
type Client struct {
	listener protocol.Listener
	timeout  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	// silent suppresses OnClose for closes the owner asked for.
	silent bool

	writeMu sync.Mutex

	pending   map[string]chan wireMessage
	pendingMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) connect(ctx context.Context, url, token string, creds []byte, handshake time.Duration) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshake)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMsgSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	auth := json.RawMessage("null")
	if len(creds) > 0 {
		auth = json.RawMessage(creds)
	}
	if _, err := c.call(dialCtx, methodConnect, connectParams{Auth: auth, Token: token}); err != nil {
		c.shutdown(true)
		return fmt.Errorf("handshake: %w", err)
	}

	slog.Info("bridge: connected", "url", url)
	return nil
}

// Close ends the session without reporting a close signal.
func (c *Client) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Client) shutdown(silent bool) {
	c.mu.Lock()
	if silent {
		c.silent = true
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
}

// finish runs once, when the read loop ends for any reason.
func (c *Client) finish(reason int, err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		silent := c.silent
		c.conn = nil
		c.mu.Unlock()
		if !silent {
			c.listener.OnClose(reason, err)
		}
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	reason, cause := protocol.ReasonConnectionClosed, error(nil)
	defer func() {
		conn.Close()
		c.finish(reason, cause)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("bridge: read loop ended", "err", err)
			cause = err
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("bridge: invalid frame", "err", err)
			continue
		}

		switch msg.Type {
		case "res":
			c.resolve(msg)
		case "event":
			if closed, code, err := c.handleEvent(msg); closed {
				reason, cause = code, err
				return
			}
		}
	}
}

func (c *Client) resolve(msg wireMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

// handleEvent forwards one event to the listener. It reports closed when
// the bridge announced the end of the protocol connection.
func (c *Client) handleEvent(msg wireMessage) (closed bool, reason int, err error) {
	switch msg.Event {
	case eventConnection:
		var u connectionUpdate
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			slog.Warn("bridge: bad connection.update", "err", err)
			return false, 0, nil
		}
		if u.QR != "" {
			c.listener.OnPairingCode(u.QR)
		}
		switch u.Connection {
		case "open":
			c.listener.OnOpen()
		case "close":
			var cause error
			if u.Error != "" {
				cause = errors.New(u.Error)
			}
			if u.StatusCode == 0 {
				u.StatusCode = protocol.ReasonConnectionClosed
			}
			return true, u.StatusCode, cause
		}

	case eventCredentials:
		blob := append([]byte(nil), msg.Payload...)
		c.listener.OnCredentials(blob)

	case eventParticipants:
		var u participantsUpdate
		if err := json.Unmarshal(msg.Payload, &u); err != nil || u.ID == "" {
			slog.Warn("bridge: bad group-participants.update", "err", err)
			return false, 0, nil
		}
		c.listener.OnMembershipChange(u.ID)

	case eventMessages:
		var batch protocol.MessagesUpsert
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			slog.Warn("bridge: bad messages.upsert", "err", err)
			return false, 0, nil
		}
		c.listener.OnMessages(batch)
	}
	return false, 0, nil
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// call sends a request and waits for its response payload.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan wireMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(wireMessage{Type: "req", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", method, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			rerr := &RemoteError{Method: method, Code: "REJECTED", Message: "request rejected"}
			if resp.Error != nil {
				rerr.Code, rerr.Message = resp.Error.Code, resp.Error.Message
			}
			return nil, rerr
		}
		return resp.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
}

func (c *Client) SendText(ctx context.Context, chatID, text string, mentions []string) error {
	_, err := c.call(ctx, methodSendMessage, sendParams{
		JID:     chatID,
		Content: sendContent{Text: text, Mentions: mentions},
	})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, key protocol.DeleteKey) error {
	_, err := c.call(ctx, methodSendMessage, sendParams{
		JID:     key.RemoteJID,
		Content: sendContent{Delete: &key},
	})
	return err
}

func (c *Client) GroupMetadata(ctx context.Context, chatID string) (*protocol.GroupMetadata, error) {
	payload, err := c.call(ctx, methodMetadata, jidParams{JID: chatID})
	if err != nil {
		return nil, err
	}
	var meta protocol.GroupMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", methodMetadata, err)
	}
	return &meta, nil
}

func (c *Client) UpdateParticipants(ctx context.Context, chatID, userID string, op protocol.MembershipOp) error {
	_, err := c.call(ctx, methodParticipants, participantsParams{
		JID:          chatID,
		Participants: []string{userID},
		Action:       string(op),
	})
	return err
}

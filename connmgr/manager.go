// Package connmgr supervises the protocol session: it dials, tracks the
// open/closed lifecycle, and reconnects with capped linear backoff until
// the account is logged out.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mdp/qrterminal/v3"

	"github.com/nicebartender/chat-relay/protocol"
)

// ErrLoggedOut is returned by Run when the protocol reports the device as
// logged out. Credentials must be re-provisioned before running again.
var ErrLoggedOut = errors.New("logged out")

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateLoggedOut  State = "logged_out"
)

// CredentialStore persists the opaque credential blob between sessions.
type CredentialStore interface {
	LoadCredentials(ctx context.Context) ([]byte, error)
	SaveCredentials(ctx context.Context, blob []byte) error
}

// AdminInvalidator drops cached admin lists on membership changes.
type AdminInvalidator interface {
	Invalidate(chatID string)
}

// BatchHandler processes one inbound message batch against the session it
// arrived on.
type BatchHandler interface {
	HandleBatch(ctx context.Context, s protocol.Session, batch protocol.MessagesUpsert)
}

type Config struct {
	Dialer      protocol.Dialer
	Credentials CredentialStore
	Admins      AdminInvalidator
	Messages    BatchHandler
	Clock       clockwork.Clock
	// PairingOutput receives pairing QR codes. Nil disables rendering.
	PairingOutput io.Writer
}

type Status struct {
	State    State  `json:"connection"`
	Attempts int    `json:"attempts"`
	Epoch    uint64 `json:"epoch"`
}

// Manager owns at most one live session. Each dial starts a new epoch;
// signals from sessions of earlier epochs no longer drive the lifecycle.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	state    State
	attempts int
	epoch    uint64
	session  protocol.Session
	open     bool
	stopped  bool
	batches  sync.WaitGroup
}

func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Manager{cfg: cfg, state: StateConnecting}
}

// Current returns the open session, or nil while not connected.
func (m *Manager) Current() protocol.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	return m.session
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempts: m.attempts, Epoch: m.epoch}
}

// Run connects and keeps reconnecting until ctx ends or the account is
// logged out. Connect errors count as recoverable closes. Run waits for
// in-flight message batches before it returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.stop()
	for {
		sess, closed, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("connect failed", "err", err)
		} else {
			select {
			case ev := <-closed:
				sess.Close()
				if ev.reason == protocol.ReasonLoggedOut {
					m.setState(StateLoggedOut)
					slog.Error("logged out; delete stored credentials and pair again", "reason", ev.reason)
					return ErrLoggedOut
				}
				slog.Warn("connection closed", "reason", ev.reason, "err", ev.err)
			case <-ctx.Done():
				m.detach()
				sess.Close()
				return ctx.Err()
			}
		}

		wait, attempt := m.recordClose()
		slog.Info("reconnecting", "attempt", attempt, "wait", wait)
		select {
		case <-m.cfg.Clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) connect(ctx context.Context) (protocol.Session, <-chan closeEvent, error) {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.state = StateConnecting
	m.session = nil
	m.open = false
	m.mu.Unlock()

	creds, err := m.cfg.Credentials.LoadCredentials(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	l := &listener{m: m, ctx: ctx, epoch: epoch, closed: make(chan closeEvent, 1)}
	sess, err := m.cfg.Dialer.Dial(ctx, creds, l)
	if err != nil {
		l.release(false)
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	if m.epoch == epoch {
		m.session = sess
	}
	m.mu.Unlock()
	// Signals delivered while Dial was still running replay now, in order.
	l.release(true)

	slog.Info("session created", "epoch", epoch, "paired", creds != nil)
	return sess, l.closed, nil
}

func (m *Manager) recordClose() (time.Duration, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	m.state = StateClosed
	return Backoff(m.attempts), m.attempts
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.session = nil
	m.open = false
	m.mu.Unlock()
}

func (m *Manager) detach() {
	m.setState(StateClosed)
}

func (m *Manager) stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.batches.Wait()
}

// acquireBatch returns the session of epoch if it is still the latest one
// and registers a batch in flight against it.
func (m *Manager) acquireBatch(epoch uint64) protocol.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || !m.open || m.session == nil || m.stopped {
		return nil
	}
	m.batches.Add(1)
	return m.session
}

func (m *Manager) opened(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.open = true
	m.attempts = 0
	m.state = StateOpen
	slog.Info("connected", "epoch", epoch)
}

func (m *Manager) closed(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.open = false
	m.session = nil
	m.state = StateClosed
}

type closeEvent struct {
	reason int
	err    error
}

// listener binds one session's signals to the manager. A fresh listener is
// created for every dial. Lifecycle and message signals that arrive before
// Dial returns are held until the session is attached.
type listener struct {
	m      *Manager
	ctx    context.Context
	epoch  uint64
	once   sync.Once
	closed chan closeEvent

	mu      sync.Mutex
	ready   bool
	dead    bool
	pending []func()
}

// deliver runs fn once the session is attached. Held and live signals run
// under l.mu so they keep their delivery order.
func (l *listener) deliver(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.dead:
	case !l.ready:
		l.pending = append(l.pending, fn)
	default:
		fn()
	}
}

// release replays held signals, or discards them if the dial failed.
func (l *listener) release(attached bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.pending
	l.pending = nil
	if !attached {
		l.dead = true
		return
	}
	l.ready = true
	for _, fn := range pending {
		fn()
	}
}

func (l *listener) OnOpen() {
	l.deliver(func() { l.m.opened(l.epoch) })
}

func (l *listener) OnClose(reason int, err error) {
	l.deliver(func() {
		l.once.Do(func() {
			l.m.closed(l.epoch)
			l.closed <- closeEvent{reason: reason, err: err}
		})
	})
}

func (l *listener) OnCredentials(blob []byte) {
	// Rotated credentials must be stored even while the relay shuts down.
	if err := l.m.cfg.Credentials.SaveCredentials(context.WithoutCancel(l.ctx), blob); err != nil {
		slog.Error("save credentials failed", "err", err)
	}
}

func (l *listener) OnMembershipChange(chatID string) {
	if l.m.cfg.Admins != nil {
		l.m.cfg.Admins.Invalidate(chatID)
	}
}

func (l *listener) OnMessages(batch protocol.MessagesUpsert) {
	if l.m.cfg.Messages == nil {
		return
	}
	l.deliver(func() {
		sess := l.m.acquireBatch(l.epoch)
		if sess == nil {
			slog.Warn("dropping batch from closed or superseded session", "epoch", l.epoch, "count", len(batch.Messages))
			return
		}
		go func() {
			defer l.m.batches.Done()
			l.m.cfg.Messages.HandleBatch(l.ctx, sess, batch)
		}()
	})
}

func (l *listener) OnPairingCode(code string) {
	if l.m.cfg.PairingOutput == nil {
		slog.Info("pairing code received, no output configured")
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, l.m.cfg.PairingOutput)
	slog.Info("scan the QR code above to pair")
}

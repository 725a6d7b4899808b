// Package dispatch executes outbound protocol actions through one
// serialized, rate-limited FIFO queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nicebartender/chat-relay/protocol"
)

const (
	DefaultInterval = time.Second
	DefaultLimit    = 10
)

// ErrStaleSession is returned for tasks submitted against a session that is
// no longer the current one.
var ErrStaleSession = errors.New("session is no longer current")

// SessionSource reports the session actions may currently run on. Current
// returns nil while disconnected.
type SessionSource interface {
	Current() protocol.Session
}

// SourceFunc adapts a function to SessionSource.
type SourceFunc func() protocol.Session

func (f SourceFunc) Current() protocol.Session { return f() }

type Options struct {
	Interval time.Duration
	Limit    int
	Clock    clockwork.Clock
	// OnResult, if set, is called after every task with its outcome.
	OnResult func(a protocol.Action, err error)
}

type task struct {
	id      string
	session protocol.Session
	action  protocol.Action
}

// Dispatcher owns the queue. Submit may be called from any goroutine; a
// single Run goroutine executes tasks one at a time.
type Dispatcher struct {
	source   SessionSource
	limiter  *windowLimiter
	onResult func(protocol.Action, error)

	mu    sync.Mutex
	queue []task
	wake  chan struct{}
}

func New(source SessionSource, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		source:   source,
		limiter:  newWindowLimiter(opts.Interval, opts.Limit, opts.Clock),
		onResult: opts.OnResult,
		wake:     make(chan struct{}, 1),
	}
}

// Submit queues a for execution on s and returns without waiting.
func (d *Dispatcher) Submit(s protocol.Session, a protocol.Action) {
	t := task{id: uuid.NewString(), session: s, action: a}
	d.mu.Lock()
	d.queue = append(d.queue, t)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks, not counting the one the worker
// holds while it waits for admission.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) pop() (task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return task{}, false
	}
	t := d.queue[0]
	d.queue[0] = task{}
	d.queue = d.queue[1:]
	return t, true
}

// Run executes queued tasks until ctx is cancelled. Task failures are
// logged and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		t, ok := d.pop()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if d.stale(t) {
			d.finish(t, ErrStaleSession)
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if d.stale(t) {
			d.limiter.Undo()
			d.finish(t, ErrStaleSession)
			continue
		}
		d.finish(t, execute(ctx, t.session, t.action))
	}
}

func (d *Dispatcher) stale(t task) bool {
	return t.session == nil || d.source.Current() != t.session
}

func (d *Dispatcher) finish(t task, err error) {
	if err != nil {
		slog.Warn("action failed", "task", t.id, "type", t.action.Type, "chat", t.action.Target(), "err", err)
	} else {
		slog.Debug("action done", "task", t.id, "type", t.action.Type, "chat", t.action.Target())
	}
	if d.onResult != nil {
		d.onResult(t.action, err)
	}
}

func execute(ctx context.Context, s protocol.Session, a protocol.Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	switch a.Type {
	case protocol.ActionSend:
		return s.SendText(ctx, a.To, a.Text, a.Mentions)
	case protocol.ActionDelete:
		return s.DeleteMessage(ctx, *a.Key)
	}
	op, ok := a.MembershipOp()
	if !ok {
		return fmt.Errorf("%w: unknown type %q", protocol.ErrInvalidAction, a.Type)
	}
	return s.UpdateParticipants(ctx, a.ChatID, a.UserID, op)
}

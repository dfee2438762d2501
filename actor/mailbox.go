package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrStopped = errors.New("actor stopped")
	ErrTimeout = errors.New("actor did not reply in time")
)

// Mailbox is an unbounded FIFO of messages drained by a single goroutine.
// Tell never blocks, so fire-and-forget senders cannot deadlock on a busy receiver.
type Mailbox struct {
	name    string
	timeout time.Duration

	mu      sync.Mutex
	queue   []func()
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

// NewMailbox creates a mailbox. A positive timeout bounds every Ask on it.
func NewMailbox(name string, timeout time.Duration) *Mailbox {
	return &Mailbox{
		name:    name,
		timeout: timeout,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Run processes messages one at a time until ctx is cancelled.
func (m *Mailbox) Run(ctx context.Context) {
	slog.Debug("actor: Mailbox started", "actor", m.name)
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.stopped = true
			dropped := len(m.queue)
			m.queue = nil
			m.mu.Unlock()

			slog.Debug("actor: Mailbox stopped", "actor", m.name, "dropped", dropped)

			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			msg := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()

			m.process(msg)
		}
	}
}

// Done is closed once Run returns.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox) process(msg func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("actor: Message handler panicked", "actor", m.name, "panic", r)
		}
	}()

	msg()
}

// Tell enqueues msg without waiting for it to run.
func (m *Mailbox) Tell(msg func()) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", m.name, ErrStopped)
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}

	return nil
}

// Ask enqueues fn and waits for its result. The context passed to fn carries
// the mailbox timeout; fn is skipped if the caller gave up before it was dequeued.
func Ask[T any](ctx context.Context, m *Mailbox, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	type reply struct {
		value T
		err   error
	}
	replies := make(chan reply, 1)

	err := m.Tell(func() {
		if err := ctx.Err(); err != nil {
			replies <- reply{err: err}
			return
		}
		v, err := fn(ctx)
		replies <- reply{value: v, err: err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-replies:
		if r.err != nil && ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
			return zero, fmt.Errorf("%s: %w: %w", m.name, ErrTimeout, r.err)
		}
		return r.value, r.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%s: %w: %w", m.name, ErrTimeout, ctx.Err())
	case <-m.done:
		select {
		case r := <-replies:
			return r.value, r.err
		default:
			return zero, fmt.Errorf("%s: %w", m.name, ErrStopped)
		}
	}
}

// Do is Ask for operations without a result value.
func Do(ctx context.Context, m *Mailbox, fn func(ctx context.Context) error) error {
	_, err := Ask(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

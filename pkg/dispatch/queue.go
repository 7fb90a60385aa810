package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds a single device exchange on the wire.
const DefaultTimeout = 2 * time.Second

// queue serializes access to one physical channel. The serial link is a
// shared, ordered request/response medium: only one outstanding request
// per link at a time. A single worker goroutine executes requests in
// submission order; devices on different queues proceed concurrently.
//
// A request that times out latches the queue unresponsive; subsequent
// requests fail fast until Reset.
type queue struct {
	name    string
	ch      Channel
	timeout time.Duration
	log     *slog.Logger
	metrics *Metrics

	requests chan queueRequest
	stop     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	unresponsive bool
}

type queueRequest struct {
	fn    func(ctx context.Context) error
	reply chan error
}

func newQueue(name string, ch Channel, timeout time.Duration, log *slog.Logger, metrics *Metrics) *queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	q := &queue{
		name:     name,
		ch:       ch,
		timeout:  timeout,
		log:      log,
		metrics:  metrics,
		requests: make(chan queueRequest),
		stop:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) run() {
	for {
		select {
		case <-q.stop:
			return
		case req := <-q.requests:
			req.reply <- q.execute(req.fn)
		}
	}
}

// execute runs one request against the channel with the per-call timeout
// and a single bounded retry on transient errors. Timeouts latch the
// unresponsive flag.
func (q *queue) execute(fn func(ctx context.Context) error) error {
	err := q.attempt(fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		q.setUnresponsive(true)
		q.log.Warn("channel timed out, latching unresponsive", "channel", q.name)
		return fmt.Errorf("%w: %s", ErrUnresponsive, q.name)
	}

	// Transient channel error: one retransmission, then surface.
	q.metrics.retryInc()
	q.log.Debug("retrying after channel error", "channel", q.name, "err", err)
	retryErr := q.attempt(fn)
	if retryErr == nil {
		return nil
	}
	if errors.Is(retryErr, context.DeadlineExceeded) {
		q.setUnresponsive(true)
		return fmt.Errorf("%w: %s", ErrUnresponsive, q.name)
	}
	return retryErr
}

func (q *queue) attempt(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	return fn(ctx)
}

// do submits a request and waits for its completion or caller cancellation.
// An unresponsive queue fails fast without touching the wire.
func (q *queue) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if q.isUnresponsive() {
		return fmt.Errorf("%w: %s", ErrUnresponsive, q.name)
	}
	req := queueRequest{fn: fn, reply: make(chan error, 1)}
	select {
	case q.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return fmt.Errorf("channel %s closed", q.name)
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		// The worker still finishes the in-flight exchange; the reply
		// channel is buffered so it never blocks.
		return ctx.Err()
	}
}

func (q *queue) isUnresponsive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unresponsive
}

func (q *queue) setUnresponsive(v bool) {
	q.mu.Lock()
	was := q.unresponsive
	q.unresponsive = v
	q.mu.Unlock()
	if v && !was {
		q.metrics.unresponsiveInc()
	}
}

// Reset clears the unresponsive latch, allowing traffic again.
func (q *queue) Reset() {
	q.setUnresponsive(false)
}

func (q *queue) close() error {
	q.stopOnce.Do(func() { close(q.stop) })
	return q.ch.Close()
}

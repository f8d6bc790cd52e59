package gateway

import (
	"context"
	"sync"
	"time"

	"consultbot/internal/util"
	"golang.org/x/sync/errgroup"
)

const defaultEventTimeout = 30 * time.Second

// EventHandler handles a single event.
type EventHandler interface {
	Handle(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to workers. Events of one user run in arrival
// order, one at a time; different users run concurrently up to the limit.
type Dispatcher struct {
	handler EventHandler
	limit   int
	timeout time.Duration

	mu      sync.Mutex
	pending map[int64][]Event
}

func NewDispatcher(handler EventHandler, limit int, timeout time.Duration) *Dispatcher {
	if limit <= 0 {
		limit = 16
	}
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	return &Dispatcher{
		handler: handler,
		limit:   limit,
		timeout: timeout,
		pending: make(map[int64][]Event),
	}
}

// Run consumes events until the channel closes or ctx is done, then waits
// for in-flight events to finish.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) error {
	var g errgroup.Group
	g.SetLimit(d.limit)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case ev, ok := <-events:
			if !ok {
				return g.Wait()
			}
			if d.push(ev) {
				userID := ev.User.ID
				g.Go(func() error {
					d.drain(ctx, userID)
					return nil
				})
			}
		}
	}
}

// push queues ev and reports whether the user needs a new worker.
func (d *Dispatcher) push(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	queued, running := d.pending[ev.User.ID]
	d.pending[ev.User.ID] = append(queued, ev)
	return !running
}

func (d *Dispatcher) drain(ctx context.Context, userID int64) {
	for {
		d.mu.Lock()
		queued := d.pending[userID]
		if len(queued) == 0 {
			delete(d.pending, userID)
			d.mu.Unlock()
			return
		}
		ev := queued[0]
		d.pending[userID] = queued[1:]
		d.mu.Unlock()

		d.dispatch(ctx, ev)
	}
}

// dispatch detaches from ctx so that shutdown lets the current event finish.
func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	ctx = util.ContextWithRequestID(ctx, ev.ID)
	logger := util.LoggerFromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic", "user_id", ev.User.ID, "panic", r)
		}
	}()
	if err := d.handler.Handle(ctx, ev); err != nil {
		logger.Warn("event delivery failed",
			"user_id", ev.User.ID,
			"kind", ev.Kind.String(),
			"err", err,
		)
	}
}

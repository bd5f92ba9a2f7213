package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dayuer/supportbot/internal/bus"
)

const defaultRestartDelay = 2 * time.Second

// GroupName returns the consumer group a runner with prefix uses for stream.
func GroupName(prefix string, stream bus.Stream) string {
	switch stream {
	case bus.StreamMessage:
		return prefix + "-messages"
	case bus.StreamSession:
		return prefix + "-sessions"
	default:
		return prefix + "-" + string(stream)
	}
}

// loop is the supervised subscription of one stream.
type loop struct {
	handler Handler
	group   string
	cancel  context.CancelFunc
	done    chan struct{}

	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	restarts  atomic.Int64
}

// Runner owns one subscription per handler. Each subscription runs in its own
// goroutine with its own context: cancelling or crashing one stream never
// touches the others. A failed subscription is restarted after a delay.
type Runner struct {
	sub          bus.Subscriber
	prefix       string
	restartDelay time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	loops   []*loop
	started bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner for handlers. At most one handler per stream.
func NewRunner(sub bus.Subscriber, prefix string, restartDelay time.Duration, log *slog.Logger, handlers ...Handler) (*Runner, error) {
	if restartDelay <= 0 {
		restartDelay = defaultRestartDelay
	}
	r := &Runner{sub: sub, prefix: prefix, restartDelay: restartDelay, log: log}
	seen := make(map[bus.Stream]bool)
	for _, h := range handlers {
		if seen[h.Stream()] {
			return nil, fmt.Errorf("more than one handler for stream %s", h.Stream())
		}
		seen[h.Stream()] = true
		r.loops = append(r.loops, &loop{handler: h, group: GroupName(prefix, h.Stream())})
	}
	return r, nil
}

// Start launches every subscription. It returns immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("consumer runner already started")
	}
	r.started = true

	for _, l := range r.loops {
		lctx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		l.done = make(chan struct{})
		r.wg.Add(1)
		go r.supervise(lctx, l)
	}
	return nil
}

func (r *Runner) supervise(ctx context.Context, l *loop) {
	defer r.wg.Done()
	defer close(l.done)

	stream := l.handler.Stream()
	for {
		if ctx.Err() != nil {
			r.log.Info("Consumer stopped", "stream", stream, "group", l.group)
			return
		}

		l.running.Store(true)
		r.log.Info("Consumer subscribing", "stream", stream, "group", l.group, "handler", l.handler.Name())
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
				}
			}()
			return r.sub.Subscribe(ctx, stream, l.group, r.wrap(l))
		}()
		l.running.Store(false)

		if err == nil || errors.Is(err, bus.ErrBrokerClosed) {
			r.log.Info("Consumer finished", "stream", stream, "group", l.group)
			return
		}
		if ctx.Err() != nil {
			r.log.Info("Consumer stopped", "stream", stream, "group", l.group)
			return
		}

		l.restarts.Add(1)
		r.log.Warn("Consumer crashed, restarting", "stream", stream, "group", l.group, "delay", r.restartDelay, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.restartDelay):
		}
	}
}

// wrap isolates every delivery: errors and panics are logged and counted, and
// the event is treated as handled so the stream moves on.
func (r *Runner) wrap(l *loop) bus.Handler {
	return func(ctx context.Context, evt bus.Event) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				l.failed.Add(1)
				r.log.Error("Consumer handler panicked", "stream", l.handler.Stream(), "session", evt.Key(), "panic", rec)
				err = nil
			}
		}()
		if herr := l.handler.Handle(ctx, evt); herr != nil {
			l.failed.Add(1)
			r.log.Warn("Consumer handler failed", "stream", l.handler.Stream(), "session", evt.Key(), "err", herr)
			return nil
		}
		l.processed.Add(1)
		return nil
	}
}

// StopStream cancels the subscription of one stream and waits for it.
func (r *Runner) StopStream(stream bus.Stream) {
	r.mu.Lock()
	var target *loop
	for _, l := range r.loops {
		if l.handler.Stream() == stream {
			target = l
		}
	}
	r.mu.Unlock()
	if target == nil || target.cancel == nil {
		return
	}
	target.cancel()
	<-target.done
}

// Stop cancels every subscription and waits for in-flight handlers.
func (r *Runner) Stop() {
	r.mu.Lock()
	for _, l := range r.loops {
		if l.cancel != nil {
			l.cancel()
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Stats returns counters and handler state per stream.
func (r *Runner) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.loops))
	for _, l := range r.loops {
		out[string(l.handler.Stream())] = map[string]any{
			"group":     l.group,
			"handler":   l.handler.Name(),
			"running":   l.running.Load(),
			"processed": l.processed.Load(),
			"failed":    l.failed.Load(),
			"restarts":  l.restarts.Load(),
			"state":     l.handler.Snapshot(),
		}
	}
	return out
}

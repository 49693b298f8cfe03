package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/token-vending-machine/internal/events"
)

// DefaultAuditQueueSize bounds the number of events waiting for delivery.
const DefaultAuditQueueSize = 256

var (
	// ErrAuditQueueFull is returned to the publisher when an event is dropped.
	ErrAuditQueueFull = errors.New("audit queue full")
	// ErrAuditWorkerStopped is returned for events published after Stop.
	ErrAuditWorkerStopped = errors.New("audit worker stopped")
)

// Recorder persists or forwards a single audit event.
type Recorder interface {
	Record(ctx context.Context, event events.Event) error
}

// AuditWorker drains token events in the background so chat replies never
// wait on webhook delivery.
type AuditWorker struct {
	recorder Recorder
	logger   *zap.Logger
	queue    chan events.Event

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// StartAuditWorker subscribes the worker to token events and starts its loop.
// The loop runs until Stop is called; queued events are drained first.
func StartAuditWorker(dispatcher events.Dispatcher, recorder Recorder, logger *zap.Logger, queueSize int) *AuditWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultAuditQueueSize
	}

	w := &AuditWorker{
		recorder: recorder,
		logger:   logger,
		queue:    make(chan events.Event, queueSize),
		done:     make(chan struct{}),
	}

	dispatcher.Subscribe(events.EventTokenIssued, w.enqueue)
	dispatcher.Subscribe(events.EventTokenRevoked, w.enqueue)

	go w.run()
	return w
}

func (w *AuditWorker) enqueue(_ context.Context, event events.Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrAuditWorkerStopped
	}

	select {
	case w.queue <- event:
		return nil
	default:
		w.logger.Warn("audit event dropped", zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
		return ErrAuditQueueFull
	}
}

func (w *AuditWorker) run() {
	defer close(w.done)

	for event := range w.queue {
		if err := w.recorder.Record(context.Background(), event); err != nil {
			w.logger.Error("audit event not recorded",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
}

// Stop closes the queue and waits for pending events or ctx, whichever comes first.
func (w *AuditWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

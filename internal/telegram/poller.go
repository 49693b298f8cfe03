package telegram

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultPollTimeout  = 30 * time.Second
	defaultPollBackoff  = 3 * time.Second
	maxPollBackoffSteps = 5
)

// UpdateSource yields pending updates. *Client implements it.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Poller receives updates with getUpdates long polling. It is used when no
// webhook URL is configured.
type Poller struct {
	source  UpdateSource
	updates *UpdateHandler
	logger  *zap.Logger
	clock   clockwork.Clock

	Timeout time.Duration
	Backoff time.Duration
}

// NewPoller creates a poller.
func NewPoller(source UpdateSource, updates *UpdateHandler, logger *zap.Logger, clock clockwork.Clock) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		source:  source,
		updates: updates,
		logger:  logger,
		clock:   clock,
		Timeout: defaultPollTimeout,
		Backoff: defaultPollBackoff,
	}
}

// Run polls until ctx is cancelled. Updates are handled one at a time in order.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if failures < maxPollBackoffSteps {
				failures++
			}
			wait := time.Duration(failures) * p.Backoff
			p.logger.Warn("get updates failed", zap.Error(err), zap.Duration("retry_in", wait))

			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(wait):
			}
			continue
		}
		failures = 0

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			p.updates.Handle(ctx, update)
		}
	}
}

package polls

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Expirer periodically deactivates polls whose end date has passed.
type Expirer struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewExpirer creates an expiry sweeper. interval <= 0 defaults to one minute.
func NewExpirer(svc *Service, interval time.Duration, logger *zap.Logger) *Expirer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expirer{svc: svc, interval: interval, logger: logger}
}

// Start begins sweeping in the background. Calling Start twice is a no-op.
func (e *Expirer) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	e.logger.Info("poll expirer started", zap.Duration("interval", e.interval))
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (e *Expirer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil
	<-e.done
	e.logger.Info("poll expirer stopped")
}

func (e *Expirer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Expirer) sweep(ctx context.Context) {
	ids, err := e.svc.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("poll expiry sweep failed", zap.Error(err))
		}
		return
	}
	if len(ids) > 0 {
		e.logger.Info("polls expired", zap.Int("count", len(ids)))
	}
}

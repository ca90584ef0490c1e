package session

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultTimeout       = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// SweeperOpts holds configuration for a Sweeper.
type SweeperOpts struct {
	Interval time.Duration
	Timeout  time.Duration
	Now      func() time.Time
	Locker   *Locker
	// OnExpire runs after a sender's session has been cleared, still under
	// the sender's lock.
	OnExpire func(ctx context.Context, sender string)
	// OnSwept receives the number of sessions cleared by each pass.
	OnSwept func(n int)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*SweeperOpts)

func WithInterval(d time.Duration) SweeperOption {
	return func(o *SweeperOpts) { o.Interval = d }
}

func WithTimeout(d time.Duration) SweeperOption {
	return func(o *SweeperOpts) { o.Timeout = d }
}

func WithClock(now func() time.Time) SweeperOption {
	return func(o *SweeperOpts) { o.Now = now }
}

func WithLocker(l *Locker) SweeperOption {
	return func(o *SweeperOpts) { o.Locker = l }
}

func WithOnExpire(fn func(ctx context.Context, sender string)) SweeperOption {
	return func(o *SweeperOpts) { o.OnExpire = fn }
}

func WithOnSwept(fn func(n int)) SweeperOption {
	return func(o *SweeperOpts) { o.OnSwept = fn }
}

// Sweeper periodically clears sessions that have been inactive longer than
// the timeout.
type Sweeper struct {
	store Store
	opts  SweeperOpts
}

// NewSweeper creates a Sweeper over store.
func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	cfg := SweeperOpts{
		Interval: DefaultSweepInterval,
		Timeout:  DefaultTimeout,
		Now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocker()
	}
	return &Sweeper{store: store, opts: cfg}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("Sweeper.Run: started", "interval", s.opts.Interval, "timeout", s.opts.Timeout)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper.Run: stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				slog.Error("Sweeper.Run: sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs one pass and returns how many sessions it cleared. Senders
// that became active after the snapshot are left alone.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Timeout)
	senders, err := s.store.Expired(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, sender := range senders {
		if ctx.Err() != nil {
			break
		}
		if s.sweepSender(ctx, sender, cutoff) {
			cleared++
		}
	}
	if cleared > 0 {
		slog.Info("Sweeper.SweepOnce: idle sessions cleared", "count", cleared)
	}
	if s.opts.OnSwept != nil {
		s.opts.OnSwept(cleared)
	}
	return cleared, nil
}

func (s *Sweeper) sweepSender(ctx context.Context, sender string, cutoff time.Time) bool {
	unlock := s.opts.Locker.Lock(sender)
	defer unlock()

	ok, err := s.store.ClearIfIdle(ctx, sender, cutoff)
	if err != nil {
		slog.Warn("Sweeper.SweepOnce: clear failed", "sender", sender, "error", err)
		return false
	}
	if !ok {
		return false
	}
	slog.Debug("Sweeper.SweepOnce: session expired", "sender", sender)
	if s.opts.OnExpire != nil {
		s.opts.OnExpire(ctx, sender)
	}
	return true
}

// Package flow routes inbound WhatsApp messages through the ordered rule list
// and the assistant fallback, keeping per-sender session state.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DealerPipe/internal/catalog"
	"github.com/BTreeMap/DealerPipe/internal/metrics"
	"github.com/BTreeMap/DealerPipe/internal/models"
	"github.com/BTreeMap/DealerPipe/internal/queue"
	"github.com/BTreeMap/DealerPipe/internal/session"
	"github.com/BTreeMap/DealerPipe/internal/store"
)

// DispatcherOpts holds configuration for a Dispatcher.
type DispatcherOpts struct {
	Locker       *session.Locker
	Publisher    queue.Publisher
	Assistant    *Assistant
	History      store.HistoryRepo
	Metrics      *metrics.Metrics
	Now          func() time.Time
	QueueTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithLocker shares a per-sender lock with the session sweeper.
func WithLocker(l *session.Locker) DispatcherOption {
	return func(o *DispatcherOpts) { o.Locker = l }
}

// WithPublisher sets the fine lookup queue. The default only logs.
func WithPublisher(p queue.Publisher) DispatcherOption {
	return func(o *DispatcherOpts) { o.Publisher = p }
}

// WithAssistant enables the language model fallback.
func WithAssistant(a *Assistant) DispatcherOption {
	return func(o *DispatcherOpts) { o.Assistant = a }
}

// WithHistory sets the conversation history wiped on cancel.
func WithHistory(h store.HistoryRepo) DispatcherOption {
	return func(o *DispatcherOpts) { o.History = h }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(o *DispatcherOpts) { o.Metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DispatcherOption {
	return func(o *DispatcherOpts) { o.Now = now }
}

// WithQueueTimeout bounds each queue publish.
func WithQueueTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.QueueTimeout = d }
}

// Dispatcher answers one message at a time per sender.
type Dispatcher struct {
	sessions  session.Store
	locker    *session.Locker
	caps      *capabilities
	assistant *Assistant
	history   store.HistoryRepo
	metrics   *metrics.Metrics
	now       func() time.Time
	ruleList  []rule
}

// NewDispatcher creates a Dispatcher over the session store and catalog.
func NewDispatcher(sessions session.Store, searcher *catalog.Searcher, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{
		Publisher:    queue.LogPublisher{},
		Now:          time.Now,
		QueueTimeout: DefaultQueueTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocker()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Dispatcher{
		sessions: sessions,
		locker:   cfg.Locker,
		caps: &capabilities{
			searcher:     searcher,
			publisher:    cfg.Publisher,
			metrics:      cfg.Metrics,
			queueTimeout: cfg.QueueTimeout,
		},
		assistant: cfg.Assistant,
		history:   cfg.History,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if d.assistant != nil {
		d.assistant.bind(d.caps)
		if d.history == nil {
			d.history = d.assistant.history
		}
	}
	d.ruleList = d.rules()
	slog.Debug("Dispatcher.NewDispatcher: dispatcher created", "rules", len(d.ruleList), "assistant", d.assistant != nil)
	return d
}

// Handle answers one inbound message from sender. User and external faults
// become reply text; an error is returned only when the session store fails.
func (d *Dispatcher) Handle(ctx context.Context, sender, body string) (string, error) {
	if sender == "" {
		return "", models.ErrEmptySender
	}
	start := d.now()
	unlock := d.locker.Lock(sender)
	defer unlock()

	sess, ok, err := d.sessions.Get(ctx, sender)
	if err != nil {
		d.metrics.IncExternalFailure(metrics.DependencyStore)
		slog.Error("Dispatcher.Handle: failed to load session", "sender", sender, "error", err)
		return "", fmt.Errorf("failed to load session for %s: %w", sender, err)
	}
	if !ok {
		sess = models.NewSession(sender, start)
	}

	t := &turn{sender: sender, msg: newMessage(body), sess: sess, loaded: sess.Clone(), entry: sess.Phase}
	name, reply := d.dispatch(ctx, t)

	if err := d.commit(ctx, t, start); err != nil {
		return "", err
	}
	d.metrics.ObserveDispatch(name, d.now().Sub(start))
	slog.Info("Dispatcher.Handle: message handled", "sender", sender, "rule", name, "phase_in", t.entry, "phase_out", d.phaseOut(t))
	slog.Debug("Dispatcher.Handle: message text", "sender", sender, "body", t.msg.raw)
	return reply, nil
}

// dispatch runs the first matching rule and the post-dispatch guard.
func (d *Dispatcher) dispatch(ctx context.Context, t *turn) (string, string) {
	for _, r := range d.ruleList {
		if !r.match(t) {
			continue
		}
		reply := r.handle(ctx, t)
		if r.name == RuleDefault && guardFires(t) {
			slog.Warn("Dispatcher.dispatch: tracked phase left unresolved, clearing session", "sender", t.sender, "phase", t.entry)
			t.resetSession()
			reply = ReplyClarify
		}
		return r.name, reply
	}
	return RuleDefault, ReplyClarify
}

// commit writes the turn's session back or clears it. Turns that leave the
// state as loaded only refresh the activity stamp.
func (d *Dispatcher) commit(ctx context.Context, t *turn, now time.Time) error {
	if t.wipeHistory {
		d.wipeHistory(ctx, t.sender)
	}
	if t.clear {
		if err := d.sessions.Clear(ctx, t.sender); err != nil {
			d.metrics.IncExternalFailure(metrics.DependencyStore)
			slog.Error("Dispatcher.commit: failed to clear session", "sender", t.sender, "error", err)
			return fmt.Errorf("failed to clear session for %s: %w", t.sender, err)
		}
		return nil
	}
	if t.sess.SameState(t.loaded) {
		if err := d.sessions.Touch(ctx, t.sender, now); err != nil {
			d.metrics.IncExternalFailure(metrics.DependencyStore)
			slog.Error("Dispatcher.commit: failed to touch session", "sender", t.sender, "error", err)
			return fmt.Errorf("failed to touch session for %s: %w", t.sender, err)
		}
		return nil
	}
	t.sess.Sender = t.sender
	t.sess.LastActive = now
	if err := d.sessions.Put(ctx, t.sender, t.sess); err != nil {
		d.metrics.IncExternalFailure(metrics.DependencyStore)
		slog.Error("Dispatcher.commit: failed to save session", "sender", t.sender, "phase", t.sess.Phase, "error", err)
		return fmt.Errorf("failed to save session for %s: %w", t.sender, err)
	}
	return nil
}

func (d *Dispatcher) phaseOut(t *turn) models.Phase {
	if t.clear {
		return models.PhaseNone
	}
	return t.sess.Phase
}

func (d *Dispatcher) wipeHistory(ctx context.Context, sender string) {
	if d.history == nil {
		return
	}
	if err := d.history.ClearMessages(ctx, sender); err != nil {
		slog.Warn("Dispatcher.wipeHistory: failed to clear conversation history", "sender", sender, "error", err)
	}
}

// Reset clears everything held for sender. The webhook uses it for messages
// without text.
func (d *Dispatcher) Reset(ctx context.Context, sender string) error {
	if sender == "" {
		return models.ErrEmptySender
	}
	start := d.now()
	unlock := d.locker.Lock(sender)
	defer unlock()
	if err := d.sessions.Clear(ctx, sender); err != nil {
		d.metrics.IncExternalFailure(metrics.DependencyStore)
		return fmt.Errorf("failed to clear session for %s: %w", sender, err)
	}
	d.metrics.ObserveDispatch(RuleTextOnly, d.now().Sub(start))
	slog.Info("Dispatcher.Reset: session cleared", "sender", sender)
	return nil
}

// Expire is the sweeper hook: it drops the assistant history of a sender
// whose session timed out.
func (d *Dispatcher) Expire(ctx context.Context, sender string) {
	d.wipeHistory(ctx, sender)
}

// Locker returns the per-sender lock shared with the sweeper.
func (d *Dispatcher) Locker() *session.Locker {
	return d.locker
}

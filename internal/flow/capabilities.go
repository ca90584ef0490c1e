package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/DealerPipe/internal/catalog"
	"github.com/BTreeMap/DealerPipe/internal/financing"
	"github.com/BTreeMap/DealerPipe/internal/metrics"
	"github.com/BTreeMap/DealerPipe/internal/models"
	"github.com/BTreeMap/DealerPipe/internal/plates"
	"github.com/BTreeMap/DealerPipe/internal/queue"
	"github.com/BTreeMap/DealerPipe/internal/sentry"
)

// DefaultQueueTimeout bounds a single plate lookup publish.
const DefaultQueueTimeout = 5 * time.Second

// capabilities are the session-changing operations shared by the rule list
// and the assistant's tools. They mutate the session passed in; the
// dispatcher persists it once the message is handled.
type capabilities struct {
	searcher     *catalog.Searcher
	publisher    queue.Publisher
	metrics      *metrics.Metrics
	queueTimeout time.Duration
}

// showResults makes vs the sender's result set. A new result set supersedes
// any selection or negotiation in progress.
func (c *capabilities) showResults(sess *models.Session, vs []models.Vehicle) {
	if len(vs) > catalog.DefaultLimit {
		vs = vs[:catalog.DefaultLimit]
	}
	sess.Results = models.CloneVehicles(vs)
	sess.ResetFinancing()
	sess.Phase = models.PhaseNone
}

// selectResult narrows the result set to the 1-based index and opens the
// financing decision.
func (c *capabilities) selectResult(sess *models.Session, index int) (models.Vehicle, error) {
	if len(sess.Results) == 0 {
		return models.Vehicle{}, models.ErrNoResults
	}
	if index < 1 || index > len(sess.Results) {
		return models.Vehicle{}, models.ErrInvalidIndex
	}
	v := sess.Results[index-1].Clone()
	sess.Results = []models.Vehicle{v.Clone()}
	sess.ResetFinancing()
	sess.Phase = models.PhaseAwaitingDecision
	return v, nil
}

// startFinancing selects the first result for a simulation.
func (c *capabilities) startFinancing(sess *models.Session) (models.Vehicle, error) {
	if len(sess.Results) == 0 {
		return models.Vehicle{}, models.ErrNoResults
	}
	v := sess.Results[0].Clone()
	sess.ResetFinancing()
	sess.SelectedCar = &v
	sess.Phase = models.PhaseAwaitingDownpayment
	return v, nil
}

// selectedPrice is the price of the car under negotiation, if any.
func (c *capabilities) selectedPrice(sess *models.Session) (int64, bool) {
	if sess.SelectedCar != nil {
		return sess.SelectedCar.Price, true
	}
	if sess.Phase == models.PhaseAwaitingDecision && len(sess.Results) > 0 {
		return sess.Results[0].Price, true
	}
	return 0, false
}

// finishFinancing computes the quote and ends the negotiation.
func (c *capabilities) finishFinancing(sess *models.Session, price, downpayment int64, months int) models.Quote {
	q := financing.Quote(price, downpayment, months)
	sess.ResetFinancing()
	sess.Phase = models.PhaseNone
	return q
}

// lookupPlate validates candidate and hands it to the fine lookup queue. The
// returned reply is meant for the user in every case. The error is
// models.ErrInvalidPlate for a malformed plate or wraps
// queue.ErrQueueUnavailable when publishing failed.
func (c *capabilities) lookupPlate(ctx context.Context, sender, candidate string) (string, error) {
	plate := plates.Canonical(candidate)
	if !plates.Valid(plate) {
		c.metrics.IncPlateLookup(metrics.PlateInvalid)
		slog.Debug("Capabilities.lookupPlate: invalid plate", "sender", sender, "plate", plate)
		return ReplyPlateInvalid, models.ErrInvalidPlate
	}

	timeout := c.queueTimeout
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.publisher.Publish(pubCtx, models.PlateLookupRequest{Plate: plate, User: sender})
	if err != nil {
		if !errors.Is(err, queue.ErrQueueUnavailable) {
			err = errors.Join(queue.ErrQueueUnavailable, err)
		}
		c.metrics.IncPlateLookup(metrics.PlateFailed)
		c.metrics.IncExternalFailure(metrics.DependencyQueue)
		sentry.CaptureException(ctx, err, map[string]string{"dependency": metrics.DependencyQueue})
		slog.Error("Capabilities.lookupPlate: publish failed", "sender", sender, "plate", plate, "error", err)
		return ReplyPlateUnavailable, err
	}
	c.metrics.IncPlateLookup(metrics.PlatePublished)
	slog.Info("Capabilities.lookupPlate: plate lookup queued", "sender", sender, "plate", plate)
	return plateQueued(plate), nil
}

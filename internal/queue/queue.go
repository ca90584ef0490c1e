// Package queue hands plate fine lookups to the external lookup worker.
//
// Publishing is fire-and-forget: the worker answers the user on its own
// channel, so nothing here waits for or stores a result.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

// ErrQueueUnavailable wraps every publish failure so callers can degrade to an
// apology without inspecting transport errors.
var ErrQueueUnavailable = errors.New("queue: unavailable")

// Publisher sends plate lookup requests.
type Publisher interface {
	Publish(ctx context.Context, req models.PlateLookupRequest) error
}

// LogPublisher is used when no queue is configured. It logs and drops.
type LogPublisher struct{}

// Publish logs the request.
func (LogPublisher) Publish(ctx context.Context, req models.PlateLookupRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	slog.Info("LogPublisher.Publish: no queue configured, plate lookup dropped", "plate", req.Plate, "sender", req.User)
	return nil
}

// MockPublisher records published requests for tests.
type MockPublisher struct {
	mu       sync.Mutex
	Requests []models.PlateLookupRequest
	// Err, when set, is returned wrapped in ErrQueueUnavailable.
	Err error
}

// NewMockPublisher returns an empty MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{Requests: []models.PlateLookupRequest{}}
}

func (m *MockPublisher) Publish(ctx context.Context, req models.PlateLookupRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return errors.Join(ErrQueueUnavailable, m.Err)
	}
	m.Requests = append(m.Requests, req)
	return nil
}

// Published returns a copy of the recorded requests.
func (m *MockPublisher) Published() []models.PlateLookupRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PlateLookupRequest, len(m.Requests))
	copy(out, m.Requests)
	return out
}

// Package events defines the domain events emitted by the pool ledger and
// the settlement workflow, and the publishers that fan them out.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/agentcover/internal/idgen"
	"github.com/mbd888/agentcover/internal/metrics"
)

// Type names an event.
type Type string

const (
	PoolCreated       Type = "pool.created"
	PoolActiveChanged Type = "pool.active_changed"
	ParticipantJoined Type = "participant.joined"
	ParticipantLeft   Type = "participant.left"
	AccrualClaimed    Type = "accrual.claimed"

	ClaimSubmitted Type = "claim.submitted"
	ClaimResolved  Type = "claim.resolved"
	ClaimTimedOut  Type = "claim.timed_out"
	ClaimDisputed  Type = "claim.disputed"
	ClaimFailed    Type = "claim.failed"
)

// Event is a single domain event. Amounts in Data are decimal strings.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	PoolID    uint64         `json:"poolId,omitempty"`
	TokenID   uint64         `json:"tokenId,omitempty"`
	ClaimID   string         `json:"claimId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t Type, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Named is implemented by publishers that label their metrics.
type Named interface {
	Name() string
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Name() string                         { return "nop" }

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	attrs := []any{"eventId", e.ID, "type", string(e.Type)}
	if e.PoolID != 0 {
		attrs = append(attrs, "poolId", e.PoolID)
	}
	if e.TokenID != 0 {
		attrs = append(attrs, "tokenId", e.TokenID)
	}
	if e.ClaimID != "" {
		attrs = append(attrs, "claimId", e.ClaimID)
	}
	p.logger.InfoContext(ctx, "event", attrs...)
	return nil
}

// Fanout publishes to every sink and joins their errors. One failing sink
// does not stop the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		name := "unnamed"
		if n, ok := p.(Named); ok {
			name = n.Name()
		}
		if err := p.Publish(ctx, e); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(name, "error").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// Emit publishes e and logs a failure instead of returning it. Ledger
// operations call it after their state has committed.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil && logger != nil {
		logger.Warn("event publish failed", "type", string(e.Type), "eventId", e.ID, "error", err)
	}
}

package activity

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"go.uber.org/zap"
)

// EventHandler applies a validated event.
type EventHandler interface {
	Handle(ctx context.Context, event Event) (quests.ActivityOutcome, error)
}

// IngestorConfig describes the dependencies of the ingestor.
type IngestorConfig struct {
	Handler EventHandler
	Guard   Guard
	Logger  *zap.Logger
}

// Ingestor wraps the tracker with the first-save guard. HTTP and AMQP share it.
type Ingestor struct {
	handler EventHandler
	guard   Guard
	logger  *zap.Logger
}

// IngestResult describes what happened to one event.
// EngineErr is set when the counter was written but some quests failed; those quests
// were already retried by the engine and the event is not redelivered.
type IngestResult struct {
	EventID   string
	Duplicate bool
	Outcome   quests.ActivityOutcome
	EngineErr error
}

func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.Handler == nil {
		return nil, errors.New("event handler is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("event guard is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{handler: cfg.Handler, guard: cfg.Guard, logger: logger}, nil
}

// Ingest applies the event once. A returned error means nothing was applied and the
// event may be delivered again.
func (i *Ingestor) Ingest(ctx context.Context, event Event) (IngestResult, error) {
	if err := event.Validate(); err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{EventID: event.ID}

	claimed, err := i.guard.TryMark(ctx, event.ID)
	if err != nil {
		i.logger.Error("activity guard unavailable", zap.String("event_id", event.ID), zap.Error(err))
		return IngestResult{}, err
	}
	if !claimed {
		i.logger.Info("duplicate activity event skipped", zap.String("event_id", event.ID))
		result.Duplicate = true
		return result, nil
	}

	outcome, err := i.handler.Handle(ctx, event)
	result.Outcome = outcome
	if err != nil && (errors.Is(err, ErrStatsWrite) || errors.Is(err, ErrMalformedEvent)) {
		if unmarkErr := i.guard.Unmark(ctx, event.ID); unmarkErr != nil {
			i.logger.Error("activity guard release failed", zap.String("event_id", event.ID), zap.Error(unmarkErr))
		}
		return IngestResult{}, err
	}
	result.EngineErr = err
	if err != nil && len(outcome.Quests) == 0 {
		// Counter is written and the event stays claimed; a redelivery will not reach the quests.
		i.logger.Error("activity not applied to any quest",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("user_id", event.ActorID),
			zap.Error(err))
	}

	if doneErr := i.guard.MarkDone(ctx, event.ID); doneErr != nil {
		i.logger.Warn("activity guard completion failed", zap.String("event_id", event.ID), zap.Error(doneErr))
	}
	return result, nil
}

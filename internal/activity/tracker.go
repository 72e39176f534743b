package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/stats"
	"go.uber.org/zap"
)

var (
	// ErrStatsWrite marks a failure of the caller-side counter, before any quest was touched.
	ErrStatsWrite = errors.New("activity: stats write failed")

	errMissingRecorder = errors.New("activity recorder is required")
	errMissingStats    = errors.New("stats incrementer is required")
)

// ActivityRecorder advances quest progress.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, activity quests.Activity) (quests.ActivityOutcome, error)
}

// StatsIncrementer bumps a per-user counter.
type StatsIncrementer interface {
	Increment(ctx context.Context, userID string, counter stats.Counter) error
}

// TrackerConfig describes the dependencies of the tracker.
type TrackerConfig struct {
	Recorder ActivityRecorder
	Stats    StatsIncrementer
	Logger   *zap.Logger
}

// Tracker is the explicit call made from every mutation site that can advance a quest.
type Tracker struct {
	recorder ActivityRecorder
	stats    StatsIncrementer
	logger   *zap.Logger
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Recorder == nil {
		return nil, errMissingRecorder
	}
	if cfg.Stats == nil {
		return nil, errMissingStats
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{recorder: cfg.Recorder, stats: cfg.Stats, logger: logger}, nil
}

// CommentCreated records a root comment.
func (t *Tracker) CommentCreated(ctx context.Context, authorID, groupID string) (quests.ActivityOutcome, error) {
	return t.track(ctx, stats.CounterCommentsCreated, quests.Activity{
		ActorID: authorID,
		Kind:    quests.ActivityCreateComment,
		GroupID: groupID,
	})
}

// ReplyCreated records a reply to a comment.
func (t *Tracker) ReplyCreated(ctx context.Context, authorID, groupID string) (quests.ActivityOutcome, error) {
	return t.track(ctx, stats.CounterRepliesCreated, quests.Activity{
		ActorID: authorID,
		Kind:    quests.ActivityReplyComment,
		GroupID: groupID,
	})
}

// ReadingCompleted records a book whose reading progress flipped to finished.
func (t *Tracker) ReadingCompleted(ctx context.Context, readerID, groupID string, book Subject) (quests.ActivityOutcome, error) {
	return t.track(ctx, stats.CounterBooksRead, quests.Activity{
		ActorID: readerID,
		Kind:    quests.ActivityReadBook,
		GroupID: groupID,
		Subject: &quests.Subject{Kind: book.Kind, ID: book.ID, Public: book.Public},
	})
}

// RewardPlaced records a prize placed on a board. It has no caller-side counter.
func (t *Tracker) RewardPlaced(ctx context.Context, placerID, groupID string) (quests.ActivityOutcome, error) {
	return t.track(ctx, "", quests.Activity{
		ActorID: placerID,
		Kind:    quests.ActivityPlaceReward,
		GroupID: groupID,
	})
}

// Handle dispatches a decoded event to its entry point.
func (t *Tracker) Handle(ctx context.Context, event Event) (quests.ActivityOutcome, error) {
	switch event.Type {
	case EventCommentCreated:
		return t.CommentCreated(ctx, event.ActorID, event.GroupID)
	case EventReplyCreated:
		return t.ReplyCreated(ctx, event.ActorID, event.GroupID)
	case EventReadingCompleted:
		var book Subject
		if event.Subject != nil {
			book = *event.Subject
		}
		return t.ReadingCompleted(ctx, event.ActorID, event.GroupID, book)
	case EventRewardPlaced:
		return t.RewardPlaced(ctx, event.ActorID, event.GroupID)
	default:
		return quests.ActivityOutcome{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, string(event.Type))
	}
}

func (t *Tracker) track(ctx context.Context, counter stats.Counter, activity quests.Activity) (quests.ActivityOutcome, error) {
	if counter != "" {
		if err := t.stats.Increment(ctx, activity.ActorID, counter); err != nil {
			t.logger.Error("activity stats write failed",
				zap.String("user_id", activity.ActorID),
				zap.String("counter", string(counter)),
				zap.Error(err))
			return quests.ActivityOutcome{}, errors.Join(ErrStatsWrite, err)
		}
	}

	outcome, err := t.recorder.RecordActivity(ctx, activity)
	if err != nil {
		t.logger.Warn("activity quest update incomplete",
			zap.String("user_id", activity.ActorID),
			zap.String("activity_kind", string(activity.Kind)),
			zap.Int("failed_quests", len(outcome.Failed())),
			zap.Error(err))
		return outcome, err
	}
	return outcome, nil
}

package quests

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActivityKind is the category of user action that advances quest progress.
type ActivityKind string

const (
	ActivityReadBook      ActivityKind = "read_book"
	ActivityCreateComment ActivityKind = "create_comment"
	ActivityReplyComment  ActivityKind = "reply_comment"
	ActivityPlaceReward   ActivityKind = "place_reward"
)

// ParticipationMode selects whether progress is compared per user or summed across contributors.
type ParticipationMode string

const (
	ParticipationPersonal ParticipationMode = "personal"
	ParticipationGroup    ParticipationMode = "group"
)

// Period is a display hint describing the quest's cadence.
type Period string

const (
	PeriodDay    Period = "day"
	PeriodWeek   Period = "week"
	PeriodMonth  Period = "month"
	PeriodCustom Period = "custom"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidActivityKind indicates an unknown activity kind.
	ErrInvalidActivityKind = errors.New("quests: invalid activity kind")
	// ErrInvalidParticipation indicates an unknown participation mode.
	ErrInvalidParticipation = errors.New("quests: invalid participation mode")
	// ErrInvalidPeriod indicates an unknown period.
	ErrInvalidPeriod = errors.New("quests: invalid period")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("quests: invalid user id")
)

// ParseActivityKind validates raw input and returns an ActivityKind.
func ParseActivityKind(raw string) (ActivityKind, error) {
	kind := ActivityKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case ActivityReadBook, ActivityCreateComment, ActivityReplyComment, ActivityPlaceReward:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidActivityKind, raw)
	}
}

// ParseParticipationMode validates raw input and returns a ParticipationMode.
func ParseParticipationMode(raw string) (ParticipationMode, error) {
	mode := ParticipationMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case ParticipationPersonal, ParticipationGroup:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidParticipation, raw)
	}
}

// ParsePeriod validates raw input and returns a Period. Empty input means custom.
func ParsePeriod(raw string) (Period, error) {
	period := Period(strings.ToLower(strings.TrimSpace(raw)))
	switch period {
	case "":
		return PeriodCustom, nil
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodCustom:
		return period, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

const (
	scopeKindPersonal = "personal"
	scopeKindGroup    = "group"
)

// Quest is a time-boxed goal of one activity kind. Completed is monotonic.
type Quest struct {
	ID                string            `gorm:"column:quest_id;primaryKey;size:190;not null"`
	Title             string            `gorm:"column:title;size:190;not null"`
	Description       string            `gorm:"column:description;type:text;not null;default:''"`
	ActivityKind      ActivityKind      `gorm:"column:activity_kind;size:32;not null;index:idx_quests_candidates,priority:2"`
	TargetCount       int64             `gorm:"column:target_count;not null"`
	StartsAtSeconds   int64             `gorm:"column:starts_at_s;not null"`
	EndsAtSeconds     int64             `gorm:"column:ends_at_s;not null;index:idx_quests_candidates,priority:3"`
	ScopeKind         string            `gorm:"column:scope_kind;size:16;not null"`
	GroupID           *string           `gorm:"column:group_id;size:190;index"`
	Participation     ParticipationMode `gorm:"column:participation_mode;size:16;not null"`
	CreatorID         string            `gorm:"column:creator_id;size:190;not null;index"`
	RewardTypeID      *string           `gorm:"column:reward_type_id;size:190"`
	Period            Period            `gorm:"column:period;size:16;not null;default:'custom'"`
	Completed         bool              `gorm:"column:completed;not null;default:false;index:idx_quests_candidates,priority:1"`
	CompletedAtSecond *int64            `gorm:"column:completed_at_s"`
	CreatedAtSeconds  int64             `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Quest) TableName() string {
	return "quests"
}

// Scope decodes the stored scope columns into the tagged variant.
func (q Quest) Scope() Scope {
	if q.ScopeKind == scopeKindGroup && q.GroupID != nil {
		return GroupScope{GroupID: *q.GroupID}
	}
	return PersonalScope{CreatorID: q.CreatorID}
}

// ActiveAt reports whether the instant falls within [start, end).
func (q Quest) ActiveAt(now time.Time) bool {
	ts := now.UTC().Unix()
	return q.StartsAtSeconds <= ts && ts < q.EndsAtSeconds
}

// State is the derived lifecycle state at an instant.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateCompleted State = "completed"
)

// StateAt derives the lifecycle state; completed is terminal regardless of the window.
func (q Quest) StateAt(now time.Time) State {
	if q.Completed {
		return StateCompleted
	}
	ts := now.UTC().Unix()
	switch {
	case ts < q.StartsAtSeconds:
		return StatePending
	case ts >= q.EndsAtSeconds:
		return StateExpired
	default:
		return StateActive
	}
}

// ProgressRecord tracks one user's contribution to one quest.
type ProgressRecord struct {
	QuestID          string `gorm:"column:quest_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	CurrentCount     int64  `gorm:"column:current_count;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProgressRecord) TableName() string {
	return "quest_progress"
}

// Completion records that a user was a credited contributor when the quest crossed its target.
type Completion struct {
	ID                 string  `gorm:"column:completion_id;primaryKey;size:190;not null"`
	QuestID            string  `gorm:"column:quest_id;size:190;not null;uniqueIndex:idx_quest_completions_unique,priority:1"`
	UserID             string  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_quest_completions_unique,priority:2;index"`
	GroupID            *string `gorm:"column:group_id;size:190"`
	CompletedAtSeconds int64   `gorm:"column:completed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Completion) TableName() string {
	return "quest_completions"
}

// Definition is the validated-on-create input describing a new quest.
type Definition struct {
	Title         string
	Description   string
	ActivityKind  ActivityKind
	TargetCount   int64
	StartsAt      time.Time
	EndsAt        time.Time
	Scope         Scope
	Participation ParticipationMode
	RewardTypeID  string
	Period        Period
}

// Subject is the object an activity acted on; public subjects widen group eligibility.
type Subject struct {
	Kind   string
	ID     string
	Public bool
}

// Activity is one real-world user action reported by an event source.
type Activity struct {
	ActorID string
	Kind    ActivityKind
	GroupID string
	Subject *Subject
}

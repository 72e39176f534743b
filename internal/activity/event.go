package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/quire/internal/quests"
)

// EventType names the real-world action an event source observed.
type EventType string

const (
	EventCommentCreated   EventType = "comment.created"
	EventReplyCreated     EventType = "reply.created"
	EventReadingCompleted EventType = "reading.completed"
	EventRewardPlaced     EventType = "reward.placed"
)

const maxEventIDLength = 190

// ErrMalformedEvent indicates an event envelope that can never be processed.
var ErrMalformedEvent = errors.New("activity: malformed event")

// Subject is the entity an event refers to, such as a finished book.
type Subject struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Public bool   `json:"public"`
}

// Event is the envelope shared by the HTTP and AMQP ingestion paths.
// ID is the first-save key: one real-world action carries one ID however often it is delivered.
type Event struct {
	ID      string    `json:"event_id"`
	Type    EventType `json:"type"`
	ActorID string    `json:"actor_id"`
	GroupID string    `json:"group_id,omitempty"`
	Subject *Subject  `json:"subject,omitempty"`
}

// DecodeEvent parses and validates a JSON envelope. fallbackID is used when the body has no event_id.
func DecodeEvent(body []byte, fallbackID string) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = fallbackID
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Validate normalizes whitespace and checks the required fields.
func (e *Event) Validate() error {
	e.ID = strings.TrimSpace(e.ID)
	e.ActorID = strings.TrimSpace(e.ActorID)
	e.GroupID = strings.TrimSpace(e.GroupID)
	if e.ID == "" || len(e.ID) > maxEventIDLength {
		return fmt.Errorf("%w: event_id is required", ErrMalformedEvent)
	}
	if _, err := quests.NewUserID(e.ActorID); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, err := e.Type.kind(); err != nil {
		return err
	}
	if e.Type == EventReadingCompleted && e.Subject == nil {
		return fmt.Errorf("%w: reading.completed requires a subject", ErrMalformedEvent)
	}
	return nil
}

func (t EventType) kind() (quests.ActivityKind, error) {
	switch t {
	case EventCommentCreated:
		return quests.ActivityCreateComment, nil
	case EventReplyCreated:
		return quests.ActivityReplyComment, nil
	case EventReadingCompleted:
		return quests.ActivityReadBook, nil
	case EventRewardPlaced:
		return quests.ActivityPlaceReward, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, string(t))
	}
}

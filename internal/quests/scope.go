package quests

import "time"

// Scope says who owns a quest: a single creator or a group.
// The variant set is closed; switch over it exhaustively.
type Scope interface {
	scopeKind() string
}

// PersonalScope belongs to its creator.
type PersonalScope struct {
	CreatorID string
}

func (PersonalScope) scopeKind() string { return scopeKindPersonal }

// GroupScope belongs to a reading group.
type GroupScope struct {
	GroupID string
}

func (GroupScope) scopeKind() string { return scopeKindGroup }

// CandidateQuery narrows the active quests that an activity may advance.
type CandidateQuery struct {
	Kind     ActivityKind
	ActorID  string
	GroupIDs []string
	Now      time.Time
}

// eligible applies the scope rules to a stored quest.
func (q CandidateQuery) eligible(quest Quest) bool {
	switch scope := quest.Scope().(type) {
	case PersonalScope:
		return scope.CreatorID == q.ActorID
	case GroupScope:
		for _, groupID := range q.GroupIDs {
			if groupID == scope.GroupID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AgentStatus is the lifecycle state of a twin agent.
type AgentStatus string

const (
	AgentInitializing   AgentStatus = "initializing"
	AgentReinitializing AgentStatus = "reinitializing"
	AgentReady          AgentStatus = "ready"
	AgentError          AgentStatus = "error"
)

// validTransitions describes the allowed agent lifecycle edges.
// Any state may additionally move to AgentError (terminal failure),
// and a transition to the current state is a no-op.
var validTransitions = map[AgentStatus][]AgentStatus{
	AgentInitializing:   {AgentReady},
	AgentReady:          {AgentReinitializing},
	AgentReinitializing: {AgentReady},
}

// CanTransition reports whether an agent may move from one status to another.
func CanTransition(from, to AgentStatus) bool {
	if to == AgentError || from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition wraps an attempted agent status change that the
// lifecycle state machine does not permit.
type ErrInvalidTransition struct {
	From AgentStatus
	To   AgentStatus
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid agent status transition %s -> %s", e.From, e.To)
}

// Agent is a digital twin of a social-network user. Fid is the twin's own
// identity; CreatorFid is the human user the twin mirrors.
type Agent struct {
	ID            string
	Fid           int64
	CreatorFid    int64
	Status        AgentStatus
	Handle        string
	AvatarURL     string
	SignerUUID    string
	PrivateKey    string
	StyleProfile  string // opaque JSON blob consumed via prompts
	TopicPatterns string // JSON map topic -> response pattern
	Keywords      string // comma-joined topic keywords
	Personality   string
	Tone          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Cast is a historical top-level post authored by a user.
type Cast struct {
	Hash      string
	AuthorFid int64
	Text      string
	CreatedAt time.Time
}

// Reply is a historical reply, kept with its parent's text for context.
type Reply struct {
	Hash            string
	AuthorFid       int64
	Text            string
	ParentText      string
	ParentAuthorFid int64
	CreatedAt       time.Time
}

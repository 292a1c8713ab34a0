package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is returned by Add when a payload fails its job
// type's schema check. Invalid payloads are never enqueued.
var ErrInvalidPayload = errors.New("invalid job payload")

// Job type names. Each type has its own queue and worker pool.
const (
	TypeAgentInit    = "agent-init"
	TypeAgentReinit  = "agent-reinit"
	TypeWebhookEvent = "webhook-event"
)

// InitPayload requests creation of a twin agent for a user.
// CreatorFid is always the owning human user.
type InitPayload struct {
	CreatorFid     int64  `json:"creator_fid"`
	Personality    string `json:"personality,omitempty"`
	Tone           string `json:"tone,omitempty"`
	MovieCharacter string `json:"movie_character,omitempty"`
}

// ReinitPayload requests a rebuild of an existing agent. The refresh
// flags control whether stored content is discarded and re-fetched;
// OnlyIndex rebuilds the retrieval index and skips profile regeneration.
type ReinitPayload struct {
	CreatorFid     int64  `json:"creator_fid"`
	RefreshCasts   bool   `json:"refresh_casts"`
	RefreshReplies bool   `json:"refresh_replies"`
	OnlyIndex      bool   `json:"only_index"`
	Personality    string `json:"personality,omitempty"`
	Tone           string `json:"tone,omitempty"`
}

// WebhookPayload is the normalized form of an inbound cast.created event.
type WebhookPayload struct {
	Cast WebhookCast `json:"cast"`
}

type WebhookCast struct {
	Hash          string        `json:"hash"`
	Text          string        `json:"text"`
	CreatedAt     time.Time     `json:"created_at"`
	MentionedFids []int64       `json:"mentioned_fids"`
	URL           string        `json:"url"`
	Author        WebhookAuthor `json:"author"`
}

type WebhookAuthor struct {
	Fid         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// validatePayload checks raw against the schema for the given job type.
func validatePayload(jobType string, raw json.RawMessage) error {
	switch jobType {
	case TypeAgentInit:
		var p InitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.CreatorFid <= 0 {
			return fmt.Errorf("%w: creator_fid must be positive", ErrInvalidPayload)
		}
	case TypeAgentReinit:
		var p ReinitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.CreatorFid <= 0 {
			return fmt.Errorf("%w: creator_fid must be positive", ErrInvalidPayload)
		}
	case TypeWebhookEvent:
		var p WebhookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Cast.Hash == "" {
			return fmt.Errorf("%w: cast hash is required", ErrInvalidPayload)
		}
		if p.Cast.Author.Fid <= 0 {
			return fmt.Errorf("%w: author fid must be positive", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, jobType)
	}
	return nil
}

// Package jobs adapts the domain services to the worker pool: each
// handler decodes one queue payload, runs the work under the owning
// user's distributed lock where needed, and reports progress.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twincast/twincast/internal/agent"
	"github.com/twincast/twincast/internal/convo"
	"github.com/twincast/twincast/internal/queue"
	"github.com/twincast/twincast/internal/storage"
	"github.com/twincast/twincast/internal/worker"
)

// AgentManager is the lifecycle surface the init and reinit handlers use.
type AgentManager interface {
	Init(ctx context.Context, params agent.InitParams) (*agent.InitResult, error)
	Reinit(ctx context.Context, params agent.ReinitParams) (*agent.ReinitResult, error)
	MarkFailed(creatorFid int64) error
}

// UserLocker serializes work per user across processes.
type UserLocker interface {
	WithUserLock(ctx context.Context, fid int64, fn func(context.Context) error) error
}

// InitHandler processes agent-init jobs.
type InitHandler struct {
	manager AgentManager
	locker  UserLocker
	logger  *slog.Logger
}

// NewInitHandler creates an InitHandler.
func NewInitHandler(manager AgentManager, locker UserLocker) *InitHandler {
	return &InitHandler{manager: manager, locker: locker, logger: slog.Default().With("handler", queue.TypeAgentInit)}
}

// Handle runs one initialization under the creator's lock. On the
// job's final attempt a failure also moves the agent to the error
// state, so no agent is left initializing forever.
func (h *InitHandler) Handle(ctx context.Context, job *queue.Job, progress worker.ProgressFunc) (string, error) {
	var p queue.InitPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}

	var result *agent.InitResult
	err := h.locker.WithUserLock(ctx, p.CreatorFid, func(ctx context.Context) error {
		progress(10)
		var err error
		result, err = h.manager.Init(ctx, agent.InitParams{
			CreatorFid:  p.CreatorFid,
			Personality: p.Personality,
			Tone:        p.Tone,
		})
		return err
	})
	if err != nil {
		if job.AttemptsRemaining() == 1 {
			if markErr := h.manager.MarkFailed(p.CreatorFid); markErr != nil {
				h.logger.Error("marking agent failed", "creator_fid", p.CreatorFid, "error", markErr)
			}
		}
		return "", err
	}
	progress(100)
	return marshalResult(result)
}

// ReinitHandler processes agent-reinit jobs.
type ReinitHandler struct {
	manager AgentManager
	locker  UserLocker
	logger  *slog.Logger
}

// NewReinitHandler creates a ReinitHandler.
func NewReinitHandler(manager AgentManager, locker UserLocker) *ReinitHandler {
	return &ReinitHandler{manager: manager, locker: locker, logger: slog.Default().With("handler", queue.TypeAgentReinit)}
}

// Handle runs one reinitialization under the creator's lock.
func (h *ReinitHandler) Handle(ctx context.Context, job *queue.Job, progress worker.ProgressFunc) (string, error) {
	var p queue.ReinitPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}

	var result *agent.ReinitResult
	err := h.locker.WithUserLock(ctx, p.CreatorFid, func(ctx context.Context) error {
		progress(10)
		var err error
		result, err = h.manager.Reinit(ctx, agent.ReinitParams{
			CreatorFid:     p.CreatorFid,
			RefreshCasts:   p.RefreshCasts,
			RefreshReplies: p.RefreshReplies,
			OnlyIndex:      p.OnlyIndex,
			Personality:    p.Personality,
			Tone:           p.Tone,
		})
		return err
	})
	if err != nil {
		if job.AttemptsRemaining() == 1 {
			if markErr := h.manager.MarkFailed(p.CreatorFid); markErr != nil {
				h.logger.Error("marking agent failed", "creator_fid", p.CreatorFid, "error", markErr)
			}
		}
		return "", err
	}
	progress(100)
	return marshalResult(result)
}

// AgentReader looks up twins by their own fid.
type AgentReader interface {
	GetAgentByFid(fid int64) (storage.Agent, error)
}

// ContextRetriever fetches relevant chunks of a user's history.
type ContextRetriever interface {
	Retrieve(ctx context.Context, ownerFid int64, query string, topK int) ([]string, error)
}

// Decider runs the conversation pipeline for one mention.
type Decider interface {
	Run(ctx context.Context, req convo.Request) (*convo.Outcome, error)
}

// ReplyPoster posts a twin's reply to the network.
type ReplyPoster interface {
	PostReply(ctx context.Context, signerUUID, parentHash, text string) (string, error)
}

// WebhookHandler processes webhook-event jobs: one inbound cast that
// mentioned one or more twins.
type WebhookHandler struct {
	agents    AgentReader
	retriever ContextRetriever
	engine    Decider
	poster    ReplyPoster
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(agents AgentReader, retriever ContextRetriever, engine Decider, poster ReplyPoster) *WebhookHandler {
	return &WebhookHandler{
		agents:    agents,
		retriever: retriever,
		engine:    engine,
		poster:    poster,
		logger:    slog.Default().With("handler", queue.TypeWebhookEvent),
	}
}

// webhookResult summarizes what the handler did for one event.
type webhookResult struct {
	CastHash string   `json:"cast_hash"`
	Replies  []string `json:"replies,omitempty"`
	Skipped  int      `json:"skipped,omitempty"`
}

// Handle answers each mentioned twin in turn. A twin that is missing,
// not ready, or without posting credentials is skipped, never fatal:
// the event as a whole still completes.
func (h *WebhookHandler) Handle(ctx context.Context, job *queue.Job, progress worker.ProgressFunc) (string, error) {
	var p queue.WebhookPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	cast := p.Cast
	log := h.logger.With("cast", cast.Hash)
	progress(5)

	result := webhookResult{CastHash: cast.Hash}
	total := len(cast.MentionedFids)
	for i, fid := range cast.MentionedFids {
		if err := h.answerMention(ctx, cast, fid, &result, log); err != nil {
			return "", err
		}
		progress(5 + (i+1)*95/total)
	}
	progress(100)
	return marshalResult(&result)
}

func (h *WebhookHandler) answerMention(ctx context.Context, cast queue.WebhookCast, fid int64, result *webhookResult, log *slog.Logger) error {
	log = log.With("twin_fid", fid)

	a, err := h.agents.GetAgentByFid(fid)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("mentioned fid has no agent")
		result.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != storage.AgentReady {
		log.Warn("agent not ready", "status", a.Status)
		result.Skipped++
		return nil
	}
	if a.SignerUUID == "" {
		log.Warn("agent has no posting credentials")
		result.Skipped++
		return nil
	}

	retrieved, err := h.retriever.Retrieve(ctx, a.CreatorFid, cast.Text, 0)
	if err != nil {
		return fmt.Errorf("retrieving context: %w", err)
	}

	outcome, err := h.engine.Run(ctx, convo.Request{
		Question:      cast.Text,
		History:       []convo.Turn{{Author: cast.Author.Username, Text: cast.Text}},
		StyleProfile:  a.StyleProfile,
		Tone:          a.Tone,
		Keywords:      a.Keywords,
		TopicPatterns: a.TopicPatterns,
		Context:       retrieved,
	})
	if err != nil {
		return err
	}
	if !outcome.ShouldPost() {
		log.Info("no reply", "kind", outcome.Kind)
		return nil
	}

	hash, err := h.poster.PostReply(ctx, a.SignerUUID, cast.Hash, outcome.Text)
	if err != nil {
		return fmt.Errorf("posting reply: %w", err)
	}
	log.Info("reply posted", "reply_hash", hash, "confidence", outcome.Confidence)
	result.Replies = append(result.Replies, hash)
	return nil
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

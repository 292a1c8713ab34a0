// Package agent manages the lifecycle of twin agents: provisioning the
// twin's social account, importing the creator's history, indexing it
// for retrieval, and deriving the style profile the conversation
// engine speaks through.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/twincast/twincast/internal/llm"
	"github.com/twincast/twincast/internal/social"
	"github.com/twincast/twincast/internal/storage"
)

// minCastLength filters low-signal casts out of the training corpus.
const minCastLength = 30

// ErrAgentExists is returned by Init when the creator already has a twin.
var ErrAgentExists = errors.New("agent already exists for this user")

// Store is the persistence surface the manager needs.
type Store interface {
	CreateAgent(a storage.Agent) error
	GetAgentByCreatorFid(creatorFid int64) (storage.Agent, error)
	UpdateAgentStatus(creatorFid int64, next storage.AgentStatus) error
	UpdateAgentProfile(creatorFid int64, styleProfile, topicPatterns, keywords, tone string) error
	InsertCasts(casts []storage.Cast) error
	InsertReplies(replies []storage.Reply) error
	DeleteCastsByFid(fid int64) (int64, error)
	DeleteRepliesByFid(fid int64) (int64, error)
	ListCastsByFid(fid int64) ([]storage.Cast, error)
	ListRepliesByFid(fid int64) ([]storage.Reply, error)
	ListTrackedFids() ([]int64, error)
}

// Network is the provider surface the manager needs.
type Network interface {
	ResolveUser(ctx context.Context, fid int64) (*social.User, error)
	ReserveFid(ctx context.Context) (int64, error)
	RegisterAccount(ctx context.Context, fid int64, handle, displayName, bio, avatarURL string) (*social.Account, error)
	UpdateWebhookFids(ctx context.Context, fids []int64) error
	FetchUserCasts(ctx context.Context, fid int64) ([]social.Cast, error)
	FetchUserReplies(ctx context.Context, fid int64) ([]social.Reply, error)
}

// Indexer rebuilds a user's retrieval index.
type Indexer interface {
	Reindex(ctx context.Context, ownerFid int64, texts []string) (int, error)
}

// Manager drives agent initialization and reinitialization.
type Manager struct {
	store   Store
	network Network
	indexer Indexer
	gen     llm.Generator
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(store Store, network Network, indexer Indexer, gen llm.Generator) *Manager {
	return &Manager{
		store:   store,
		network: network,
		indexer: indexer,
		gen:     gen,
		logger:  slog.Default().With("component", "agent"),
	}
}

// InitParams describe a new twin.
type InitParams struct {
	CreatorFid  int64
	Personality string
	Tone        string
}

// InitResult summarizes a completed initialization.
type InitResult struct {
	Fid             int64  `json:"fid"`
	Handle          string `json:"handle"`
	ImportedCasts   int    `json:"imported_casts"`
	ImportedReplies int    `json:"imported_replies"`
	ChunksIndexed   int    `json:"chunks_indexed"`
}

// Init provisions a twin for the creator and takes it to ready:
// resolve the creator's profile, register the twin account, subscribe
// the webhook, import history, index it, and derive the style profile.
func (m *Manager) Init(ctx context.Context, params InitParams) (*InitResult, error) {
	log := m.logger.With("creator_fid", params.CreatorFid)

	existing, err := m.store.GetAgentByCreatorFid(params.CreatorFid)
	if err == nil {
		// A retried init job resumes the agent it already created.
		if existing.Status == storage.AgentInitializing {
			log.Info("resuming initialization", "fid", existing.Fid)
			return m.completeInit(ctx, existing, params)
		}
		return nil, fmt.Errorf("%w: creator %d", ErrAgentExists, params.CreatorFid)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	creator, err := m.network.ResolveUser(ctx, params.CreatorFid)
	if err != nil {
		return nil, fmt.Errorf("resolving creator: %w", err)
	}

	fid, err := m.network.ReserveFid(ctx)
	if err != nil {
		return nil, err
	}
	handle := creator.Username + "-twin"
	bio := fmt.Sprintf("Digital twin of @%s.", creator.Username)
	acct, err := m.network.RegisterAccount(ctx, fid, handle, creator.DisplayName+" (twin)", bio, creator.AvatarURL)
	if err != nil {
		return nil, err
	}
	log.Info("registered twin account", "fid", acct.Fid, "handle", acct.Handle)

	a := storage.Agent{
		ID:          uuid.New().String(),
		Fid:         acct.Fid,
		CreatorFid:  params.CreatorFid,
		Status:      storage.AgentInitializing,
		Handle:      acct.Handle,
		AvatarURL:   creator.AvatarURL,
		SignerUUID:  acct.SignerUUID,
		PrivateKey:  newPrivateKey(),
		Personality: params.Personality,
		Tone:        params.Tone,
	}
	if err := m.store.CreateAgent(a); err != nil {
		return nil, err
	}

	tracked, err := m.store.ListTrackedFids()
	if err != nil {
		return nil, err
	}
	if err := m.network.UpdateWebhookFids(ctx, tracked); err != nil {
		return nil, err
	}

	return m.completeInit(ctx, a, params)
}

// completeInit runs the import/index/profile phase for an agent already
// persisted as initializing.
func (m *Manager) completeInit(ctx context.Context, a storage.Agent, params InitParams) (*InitResult, error) {
	log := m.logger.With("creator_fid", params.CreatorFid)

	casts, err := m.importCasts(ctx, params.CreatorFid)
	if err != nil {
		return nil, err
	}
	replies, err := m.importReplies(ctx, params.CreatorFid)
	if err != nil {
		return nil, err
	}
	log.Info("imported history", "casts", len(casts), "replies", len(replies))

	chunks, err := m.indexer.Reindex(ctx, params.CreatorFid, castTexts(casts))
	if err != nil {
		return nil, fmt.Errorf("indexing history: %w", err)
	}

	if err := m.deriveAndStoreProfile(ctx, params.CreatorFid, casts, replies, params.Tone); err != nil {
		return nil, err
	}

	if err := m.store.UpdateAgentStatus(params.CreatorFid, storage.AgentReady); err != nil {
		return nil, err
	}
	log.Info("agent ready", "fid", a.Fid)

	return &InitResult{
		Fid:             a.Fid,
		Handle:          a.Handle,
		ImportedCasts:   len(casts),
		ImportedReplies: len(replies),
		ChunksIndexed:   chunks,
	}, nil
}

// ReinitParams control which parts of the agent are rebuilt.
type ReinitParams struct {
	CreatorFid     int64
	RefreshCasts   bool
	RefreshReplies bool
	OnlyIndex      bool
	Personality    string
	Tone           string
}

// ReinitResult summarizes a completed reinitialization.
type ReinitResult struct {
	Fid             int64 `json:"fid"`
	DeletedCasts    int64 `json:"deleted_casts"`
	DeletedReplies  int64 `json:"deleted_replies"`
	ImportedCasts   int   `json:"imported_casts"`
	ImportedReplies int   `json:"imported_replies"`
	ChunksIndexed   int   `json:"chunks_indexed"`
}

// Reinit rebuilds an existing agent. Refresh flags control whether
// stored history is discarded and refetched; OnlyIndex rebuilds the
// vector index from stored casts and leaves the profile untouched.
// In every other case the style profile, keywords, and topic patterns
// are re-derived from whatever history remains.
func (m *Manager) Reinit(ctx context.Context, params ReinitParams) (*ReinitResult, error) {
	log := m.logger.With("creator_fid", params.CreatorFid)

	a, err := m.store.GetAgentByCreatorFid(params.CreatorFid)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateAgentStatus(params.CreatorFid, storage.AgentReinitializing); err != nil {
		return nil, err
	}

	result := &ReinitResult{Fid: a.Fid}

	if params.OnlyIndex {
		casts, err := m.store.ListCastsByFid(params.CreatorFid)
		if err != nil {
			return nil, err
		}
		result.ChunksIndexed, err = m.indexer.Reindex(ctx, params.CreatorFid, castTexts(casts))
		if err != nil {
			return nil, fmt.Errorf("indexing history: %w", err)
		}
		if err := m.store.UpdateAgentStatus(params.CreatorFid, storage.AgentReady); err != nil {
			return nil, err
		}
		log.Info("index rebuilt", "chunks", result.ChunksIndexed)
		return result, nil
	}

	var casts []storage.Cast
	if params.RefreshCasts {
		if result.DeletedCasts, err = m.store.DeleteCastsByFid(params.CreatorFid); err != nil {
			return nil, err
		}
		if casts, err = m.importCasts(ctx, params.CreatorFid); err != nil {
			return nil, err
		}
		result.ImportedCasts = len(casts)
	} else if casts, err = m.store.ListCastsByFid(params.CreatorFid); err != nil {
		return nil, err
	}

	var replies []storage.Reply
	if params.RefreshReplies {
		if result.DeletedReplies, err = m.store.DeleteRepliesByFid(params.CreatorFid); err != nil {
			return nil, err
		}
		if replies, err = m.importReplies(ctx, params.CreatorFid); err != nil {
			return nil, err
		}
		result.ImportedReplies = len(replies)
	} else if replies, err = m.store.ListRepliesByFid(params.CreatorFid); err != nil {
		return nil, err
	}

	if result.ChunksIndexed, err = m.indexer.Reindex(ctx, params.CreatorFid, castTexts(casts)); err != nil {
		return nil, fmt.Errorf("indexing history: %w", err)
	}

	tone := params.Tone
	if tone == "" {
		tone = a.Tone
	}
	if err := m.deriveAndStoreProfile(ctx, params.CreatorFid, casts, replies, tone); err != nil {
		return nil, err
	}

	if err := m.store.UpdateAgentStatus(params.CreatorFid, storage.AgentReady); err != nil {
		return nil, err
	}
	log.Info("agent reinitialized", "fid", a.Fid, "chunks", result.ChunksIndexed)
	return result, nil
}

// MarkFailed moves the agent to the error state once a lifecycle job
// has exhausted its retries.
func (m *Manager) MarkFailed(creatorFid int64) error {
	err := m.store.UpdateAgentStatus(creatorFid, storage.AgentError)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // failed before the agent record existed
	}
	return err
}

func (m *Manager) importCasts(ctx context.Context, creatorFid int64) ([]storage.Cast, error) {
	fetched, err := m.network.FetchUserCasts(ctx, creatorFid)
	if err != nil {
		return nil, err
	}
	casts := make([]storage.Cast, 0, len(fetched))
	for _, c := range fetched {
		if len(c.Text) <= minCastLength {
			continue
		}
		casts = append(casts, storage.Cast{
			Hash:      c.Hash,
			AuthorFid: c.AuthorFid,
			Text:      c.Text,
			CreatedAt: c.CreatedAt,
		})
	}
	if err := m.store.InsertCasts(casts); err != nil {
		return nil, err
	}
	return casts, nil
}

func (m *Manager) importReplies(ctx context.Context, creatorFid int64) ([]storage.Reply, error) {
	fetched, err := m.network.FetchUserReplies(ctx, creatorFid)
	if err != nil {
		return nil, err
	}
	replies := make([]storage.Reply, 0, len(fetched))
	for _, r := range fetched {
		if r.Text == "" {
			continue
		}
		replies = append(replies, storage.Reply{
			Hash:            r.Hash,
			AuthorFid:       r.AuthorFid,
			Text:            r.Text,
			ParentText:      r.ParentText,
			ParentAuthorFid: r.ParentAuthorFid,
			CreatedAt:       r.CreatedAt,
		})
	}
	if err := m.store.InsertReplies(replies); err != nil {
		return nil, err
	}
	return replies, nil
}

func (m *Manager) deriveAndStoreProfile(ctx context.Context, creatorFid int64, casts []storage.Cast, replies []storage.Reply, tone string) error {
	profile, err := BuildStyleProfile(ctx, m.gen, castTexts(casts), replyTexts(replies))
	if err != nil {
		return fmt.Errorf("deriving style profile: %w", err)
	}
	if profile.Tone == "" {
		profile.Tone = tone
	}
	return m.store.UpdateAgentProfile(creatorFid, profile.JSON(), profile.TopicPatternsJSON(), profile.KeywordsCSV(), profile.Tone)
}

func castTexts(casts []storage.Cast) []string {
	texts := make([]string, len(casts))
	for i, c := range casts {
		texts[i] = c.Text
	}
	return texts
}

func replyTexts(replies []storage.Reply) []string {
	texts := make([]string, len(replies))
	for i, r := range replies {
		texts[i] = r.Text
	}
	return texts
}

func newPrivateKey() string {
	key := make([]byte, 32)
	rand.Read(key)
	return hex.EncodeToString(key)
}

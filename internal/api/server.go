// Package api exposes the HTTP surface: webhook ingress, agent
// management under a shared secret, and job status polling. Long
// work is never done in a request; handlers enqueue and return 202.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/twincast/twincast/internal/convo"
	"github.com/twincast/twincast/internal/queue"
	"github.com/twincast/twincast/internal/storage"
	"github.com/twincast/twincast/internal/webhook"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AgentStore is the persistence surface the API reads agents from.
type AgentStore interface {
	GetAgentByCreatorFid(creatorFid int64) (storage.Agent, error)
}

// JobQueue is the queue surface the API needs.
type JobQueue interface {
	Add(ctx context.Context, jobType string, payload any, opts queue.AddOptions) (string, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
}

// ContextRetriever fetches relevant chunks of a user's history.
type ContextRetriever interface {
	Retrieve(ctx context.Context, ownerFid int64, query string, topK int) ([]string, error)
}

// Decider runs the conversation pipeline for one question.
type Decider interface {
	Run(ctx context.Context, req convo.Request) (*convo.Outcome, error)
}

// Deps holds the dependencies of the HTTP handler.
type Deps struct {
	Store     AgentStore
	Jobs      JobQueue
	Retriever ContextRetriever
	Engine    Decider
	Verifier  *webhook.Verifier
	Secret    string
}

// NewHandler builds the router. /health and /webhooks are open (the
// webhook carries its own signature); everything under /api requires
// the shared secret.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/webhooks", webhook.Handler(deps.Verifier, deps.Jobs))

	r.Route("/api", func(r chi.Router) {
		r.Use(SecretAuth(deps.Secret))
		r.Post("/agents", handleInitAgent(deps))
		r.Post("/agents/{creatorFid}/reinit", handleReinitAgent(deps))
		r.Post("/agents/{creatorFid}/ask", handleAskAgent(deps))
		r.Get("/agents/{creatorFid}", handleGetAgent(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// InitAgentRequest creates a twin for a user.
type InitAgentRequest struct {
	CreatorFid  int64  `json:"creator_fid"`
	Personality string `json:"personality"`
	Tone        string `json:"tone"`
}

func handleInitAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req InitAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CreatorFid <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "creator_fid must be positive")
			return
		}
		if _, err := deps.Store.GetAgentByCreatorFid(req.CreatorFid); err == nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "agent already exists for creator %d", req.CreatorFid)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "looking up agent: %v", err)
			return
		}

		jobID, err := deps.Jobs.Add(r.Context(), queue.TypeAgentInit, queue.InitPayload{
			CreatorFid:  req.CreatorFid,
			Personality: req.Personality,
			Tone:        req.Tone,
		}, queue.AddOptions{})
		if err != nil {
			if errors.Is(err, queue.ErrInvalidPayload) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing init: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "job_id": jobID})
	}
}

// ReinitAgentRequest rebuilds an existing twin.
type ReinitAgentRequest struct {
	RefreshCasts   bool   `json:"refresh_casts"`
	RefreshReplies bool   `json:"refresh_replies"`
	OnlyIndex      bool   `json:"only_index"`
	Personality    string `json:"personality"`
	Tone           string `json:"tone"`
}

func handleReinitAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		creatorFid, ok := creatorFidParam(w, r)
		if !ok {
			return
		}
		if _, err := deps.Store.GetAgentByCreatorFid(creatorFid); err != nil {
			agentLookupError(w, creatorFid, err)
			return
		}

		var req ReinitAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		jobID, err := deps.Jobs.Add(r.Context(), queue.TypeAgentReinit, queue.ReinitPayload{
			CreatorFid:     creatorFid,
			RefreshCasts:   req.RefreshCasts,
			RefreshReplies: req.RefreshReplies,
			OnlyIndex:      req.OnlyIndex,
			Personality:    req.Personality,
			Tone:           req.Tone,
		}, queue.AddOptions{})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing reinit: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "job_id": jobID})
	}
}

// AskAgentRequest is a synchronous question to a twin.
type AskAgentRequest struct {
	Question string `json:"question"`
}

// AskAgentResponse carries the twin's answer.
type AskAgentResponse struct {
	Answer     string `json:"answer"`
	Confidence string `json:"confidence,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
}

func handleAskAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		creatorFid, ok := creatorFidParam(w, r)
		if !ok {
			return
		}
		a, err := deps.Store.GetAgentByCreatorFid(creatorFid)
		if err != nil {
			agentLookupError(w, creatorFid, err)
			return
		}
		if a.Status != storage.AgentReady {
			httpError(w, http.StatusConflict, "invalid_request_error", "agent is %s, not ready", a.Status)
			return
		}

		var req AskAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		retrieved, err := deps.Retriever.Retrieve(r.Context(), a.CreatorFid, req.Question, 0)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "retrieving context: %v", err)
			return
		}
		outcome, err := deps.Engine.Run(r.Context(), convo.Request{
			Question:      req.Question,
			StyleProfile:  a.StyleProfile,
			Tone:          a.Tone,
			Keywords:      a.Keywords,
			TopicPatterns: a.TopicPatterns,
			Context:       retrieved,
		})
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "answering question: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, AskAgentResponse{
			Answer:     outcome.Text,
			Confidence: string(outcome.Confidence),
			Reasoning:  outcome.Reasoning,
		})
	}
}

// agentView is the externally visible agent shape. Signer and key
// material never leave the process.
type agentView struct {
	ID         string `json:"id"`
	Fid        int64  `json:"fid"`
	CreatorFid int64  `json:"creator_fid"`
	Status     string `json:"status"`
	Handle     string `json:"handle"`
	Tone       string `json:"tone,omitempty"`
	Keywords   string `json:"keywords,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func handleGetAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creatorFid, ok := creatorFidParam(w, r)
		if !ok {
			return
		}
		a, err := deps.Store.GetAgentByCreatorFid(creatorFid)
		if err != nil {
			agentLookupError(w, creatorFid, err)
			return
		}
		writeJSON(w, http.StatusOK, agentView{
			ID:         a.ID,
			Fid:        a.Fid,
			CreatorFid: a.CreatorFid,
			Status:     string(a.Status),
			Handle:     a.Handle,
			Tone:       a.Tone,
			Keywords:   a.Keywords,
			CreatedAt:  a.CreatedAt.Format(timeLayout),
			UpdatedAt:  a.UpdatedAt.Format(timeLayout),
		})
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// jobView is the externally visible job shape.
type jobView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Jobs.Get(r.Context(), id)
		if errors.Is(err, queue.ErrJobNotFound) {
			httpError(w, http.StatusNotFound, "invalid_request_error", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "looking up job: %v", err)
			return
		}
		view := jobView{
			ID:        job.ID,
			Type:      job.Type,
			Status:    job.Status,
			Progress:  job.Progress,
			Attempts:  job.Attempts,
			LastError: job.LastError,
		}
		if json.Valid([]byte(job.Result)) {
			view.Result = json.RawMessage(job.Result)
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func creatorFidParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	fid, err := strconv.ParseInt(chi.URLParam(r, "creatorFid"), 10, 64)
	if err != nil || fid <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "creatorFid must be a positive integer")
		return 0, false
	}
	return fid, true
}

func agentLookupError(w http.ResponseWriter, creatorFid int64, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "invalid_request_error", "no agent for creator %d", creatorFid)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "looking up agent: %v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// Package webhook authenticates and ingests provider webhook events,
// turning each cast.created mention into a durable queue job.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/twincast/twincast/internal/queue"
)

const maxBodySize = 1 << 20 // 1MB

// SignatureHeader carries the hex HMAC-SHA512 of the raw request body.
const SignatureHeader = "X-Signature"

// Verifier checks webhook signatures. A Verifier with no secret trusts
// every request, for local development only.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. An empty secret disables verification.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify reports whether signature is a valid hex HMAC-SHA512 of body.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if len(v.secret) == 0 {
		return true
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Event is the provider's webhook envelope.
type Event struct {
	Type      string    `json:"type"`
	CreatedAt int64     `json:"created_at"`
	Data      eventCast `json:"data"`
}

type eventCast struct {
	Hash              string         `json:"hash"`
	Text              string         `json:"text"`
	Author            eventAuthor    `json:"author"`
	MentionedProfiles []eventProfile `json:"mentioned_profiles"`
}

type eventAuthor struct {
	Fid         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"pfp_url"`
	Profile     struct {
		Bio struct {
			Text string `json:"text"`
		} `json:"bio"`
	} `json:"profile"`
}

type eventProfile struct {
	Fid int64 `json:"fid"`
}

// payload flattens an event into the queue's normalized cast form.
func (e *Event) payload() queue.WebhookPayload {
	fids := make([]int64, 0, len(e.Data.MentionedProfiles))
	for _, p := range e.Data.MentionedProfiles {
		fids = append(fids, p.Fid)
	}
	return queue.WebhookPayload{Cast: queue.WebhookCast{
		Hash:          e.Data.Hash,
		Text:          e.Data.Text,
		CreatedAt:     time.Unix(e.CreatedAt, 0).UTC(),
		MentionedFids: fids,
		URL:           fmt.Sprintf("https://farcaster.xyz/%s/%s", e.Data.Author.Username, e.Data.Hash),
		Author: queue.WebhookAuthor{
			Fid:         e.Data.Author.Fid,
			Username:    e.Data.Author.Username,
			DisplayName: e.Data.Author.DisplayName,
			Bio:         e.Data.Author.Profile.Bio.Text,
			AvatarURL:   e.Data.Author.AvatarURL,
		},
	}}
}

// Enqueuer is the queue surface the ingress needs.
type Enqueuer interface {
	Add(ctx context.Context, jobType string, payload any, opts queue.AddOptions) (string, error)
}

// Handler returns the POST /webhooks handler: authenticate the raw
// body, parse the event, and enqueue cast.created events. Auth and
// validation failures never reach the queue.
func Handler(verifier *Verifier, q Enqueuer) http.HandlerFunc {
	logger := slog.Default().With("component", "webhook")
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		defer r.Body.Close()

		if !verifier.Verify(body, r.Header.Get(SignatureHeader)) {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing webhook signature")
			return
		}

		var event Event
		if err := json.Unmarshal(body, &event); err != nil || event.Type == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid webhook body")
			return
		}
		if event.Type != "cast.created" {
			logger.Info("ignoring webhook event", "type", event.Type)
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "event type not handled"})
			return
		}

		jobID, err := q.Add(r.Context(), queue.TypeWebhookEvent, event.payload(), queue.AddOptions{})
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "rejected event: %v", err)
			return
		}
		logger.Info("webhook event enqueued", "job_id", jobID, "cast", event.Data.Hash)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "job_id": jobID})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

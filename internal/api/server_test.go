package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/twincast/twincast/internal/convo"
	"github.com/twincast/twincast/internal/queue"
	"github.com/twincast/twincast/internal/storage"
	"github.com/twincast/twincast/internal/webhook"
)

const testSecret = "api-secret"

type fakeJobs struct {
	added []string // job types in enqueue order
	jobs  map[string]*queue.Job
}

func (f *fakeJobs) Add(_ context.Context, jobType string, payload any, _ queue.AddOptions) (string, error) {
	f.added = append(f.added, jobType)
	return fmt.Sprintf("job-%d", len(f.added)), nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*queue.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return job, nil
}

type fakeRetriever struct {
	chunks []string
}

func (f *fakeRetriever) Retrieve(context.Context, int64, string, int) ([]string, error) {
	return f.chunks, nil
}

type fakeEngine struct {
	outcome *convo.Outcome
	err     error
}

func (f *fakeEngine) Run(context.Context, convo.Request) (*convo.Outcome, error) {
	return f.outcome, f.err
}

func newTestHandler(t *testing.T) (http.Handler, *storage.Store, *fakeJobs) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	jobs := &fakeJobs{jobs: map[string]*queue.Job{}}
	h := NewHandler(Deps{
		Store:     store,
		Jobs:      jobs,
		Retriever: &fakeRetriever{chunks: []string{"relevant chunk"}},
		Engine:    &fakeEngine{outcome: &convo.Outcome{Kind: convo.OutcomeScored, Text: "styled answer", Confidence: convo.ConfidenceHigh}},
		Verifier:  webhook.NewVerifier(""),
		Secret:    testSecret,
	})
	return h, store, jobs
}

func doRequest(h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if authed {
		req.Header.Set(SecretHeader, testSecret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedAgent(t *testing.T, store *storage.Store, status storage.AgentStatus) {
	t.Helper()
	err := store.CreateAgent(storage.Agent{
		ID: "a-1", Fid: 100001, CreatorFid: 42, Status: storage.AgentInitializing,
		Handle: "alice-twin", SignerUUID: "sig", PrivateKey: "key", Tone: "dry",
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != storage.AgentInitializing {
		if err := store.UpdateAgentStatus(42, status); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHealthIsOpen(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doRequest(h, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPIRequiresSecret(t *testing.T) {
	h, _, jobs := newTestHandler(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/agents"},
		{http.MethodPost, "/api/agents/42/reinit"},
		{http.MethodGet, "/api/agents/42"},
		{http.MethodGet, "/api/jobs/job-1"},
	} {
		rec := doRequest(h, tc.method, tc.path, "{}", false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without secret: status = %d, want 401", tc.method, tc.path, rec.Code)
		}
	}
	if len(jobs.added) != 0 {
		t.Errorf("unauthenticated requests enqueued jobs: %v", jobs.added)
	}
}

func TestInitAgent(t *testing.T) {
	h, _, jobs := newTestHandler(t)

	rec := doRequest(h, http.MethodPost, "/api/agents", `{"creator_fid": 42, "tone": "dry"}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID != "job-1" {
		t.Errorf("job_id = %q", resp.JobID)
	}
	if len(jobs.added) != 1 || jobs.added[0] != queue.TypeAgentInit {
		t.Errorf("enqueued = %v", jobs.added)
	}
}

func TestInitAgent_Validation(t *testing.T) {
	h, store, jobs := newTestHandler(t)

	rec := doRequest(h, http.MethodPost, "/api/agents", `{"creator_fid": 0}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero fid: status = %d, want 400", rec.Code)
	}
	rec = doRequest(h, http.MethodPost, "/api/agents", "{not json", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rec.Code)
	}

	seedAgent(t, store, storage.AgentReady)
	rec = doRequest(h, http.MethodPost, "/api/agents", `{"creator_fid": 42}`, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("existing agent: status = %d, want 409", rec.Code)
	}
	if len(jobs.added) != 0 {
		t.Errorf("invalid requests enqueued jobs: %v", jobs.added)
	}
}

func TestReinitAgent(t *testing.T) {
	h, store, jobs := newTestHandler(t)
	seedAgent(t, store, storage.AgentReady)

	rec := doRequest(h, http.MethodPost, "/api/agents/42/reinit", `{"refresh_casts": true}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(jobs.added) != 1 || jobs.added[0] != queue.TypeAgentReinit {
		t.Errorf("enqueued = %v", jobs.added)
	}

	rec = doRequest(h, http.MethodPost, "/api/agents/999/reinit", "{}", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: status = %d, want 404", rec.Code)
	}
}

func TestAskAgent(t *testing.T) {
	h, store, _ := newTestHandler(t)
	seedAgent(t, store, storage.AgentReady)

	rec := doRequest(h, http.MethodPost, "/api/agents/42/ask", `{"question": "thoughts on sqlite?"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp AskAgentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "styled answer" || resp.Confidence != "high" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAskAgent_NotReady(t *testing.T) {
	h, store, _ := newTestHandler(t)
	seedAgent(t, store, storage.AgentInitializing)

	rec := doRequest(h, http.MethodPost, "/api/agents/42/ask", `{"question": "hi"}`, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGetAgent_HidesCredentials(t *testing.T) {
	h, store, _ := newTestHandler(t)
	seedAgent(t, store, storage.AgentReady)

	rec := doRequest(h, http.MethodGet, "/api/agents/42", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"handle":"alice-twin"`) || !strings.Contains(body, `"status":"ready"`) {
		t.Errorf("body = %s", body)
	}
	for _, secret := range []string{"sig", "signer", "private", "key"} {
		if strings.Contains(body, fmt.Sprintf(`"%s`, secret)) {
			t.Errorf("response leaks %q: %s", secret, body)
		}
	}

	rec = doRequest(h, http.MethodGet, "/api/agents/999", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: status = %d, want 404", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	h, _, jobs := newTestHandler(t)
	jobs.jobs["j-1"] = &queue.Job{
		ID: "j-1", Type: queue.TypeWebhookEvent, Status: queue.StatusCompleted,
		Progress: 100, Attempts: 1, Result: `{"cast_hash":"0xabc"}`,
	}

	rec := doRequest(h, http.MethodGet, "/api/jobs/j-1", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != queue.StatusCompleted || view.Progress != 100 {
		t.Errorf("view = %+v", view)
	}
	if !strings.Contains(string(view.Result), "0xabc") {
		t.Errorf("result = %s", view.Result)
	}

	rec = doRequest(h, http.MethodGet, "/api/jobs/missing", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", rec.Code)
	}
}

func TestWebhookMountedWithoutSecret(t *testing.T) {
	h, _, jobs := newTestHandler(t)

	body := `{"type": "cast.created", "data": {"hash": "0xabc", "text": "hi", "author": {"fid": 7, "username": "bob"}, "mentioned_profiles": [{"fid": 100001}]}}`
	rec := doRequest(h, http.MethodPost, "/webhooks", body, false)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(jobs.added) != 1 || jobs.added[0] != queue.TypeWebhookEvent {
		t.Errorf("enqueued = %v", jobs.added)
	}
}

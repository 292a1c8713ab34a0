package convo

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// scriptedGenerator returns canned responses in order and records the
// prompts it was given.
type scriptedGenerator struct {
	responses []string
	errs      []error
	prompts   []string
}

func (s *scriptedGenerator) Complete(_ context.Context, _, user string) (string, error) {
	s.prompts = append(s.prompts, user)
	if len(s.responses) == 0 {
		return "", fmt.Errorf("no scripted response left")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	return resp, err
}

func (s *scriptedGenerator) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("not implemented")
}

func baseRequest() Request {
	return Request{
		Question:     "what do you think about generics in go?",
		History:      []Turn{{Author: "bob", Text: "anyone here write go?"}},
		StyleProfile: `{"tone": "dry"}`,
		Tone:         "dry",
		Context:      []string{"generics landed in 1.18 and I use them sparingly"},
	}
}

func TestRun_FullPipelineScoredHigh(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true, "reasoning": "direct question"}`,
		`{"text": "generics are fine. use them sparingly 🚀🚀"}`,
		`{"text": "generics are fine. use them sparingly"}`,
		`{"is_trivial": false}`,
		`{"confidence": "high", "reasoning": "matches the context"}`,
	}}
	e := NewEngine(gen)

	outcome, err := e.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Kind != OutcomeScored {
		t.Fatalf("Kind = %v, want OutcomeScored", outcome.Kind)
	}
	if outcome.Text != "generics are fine. use them sparingly" {
		t.Errorf("Text = %q, want refined draft", outcome.Text)
	}
	if outcome.Confidence != ConfidenceHigh || outcome.Reasoning != "matches the context" {
		t.Errorf("Confidence = %s %q", outcome.Confidence, outcome.Reasoning)
	}
	if !outcome.ShouldPost() {
		t.Error("ShouldPost() = false")
	}

	// The reply gate saw the transcript with the question last, and the
	// answer stage saw profile, context, and question.
	if !strings.Contains(gen.prompts[0], "bob: anyone here write go?") || !strings.Contains(gen.prompts[0], "latest: what do you think") {
		t.Errorf("gate prompt = %q", gen.prompts[0])
	}
	for _, want := range []string{`"tone": "dry"`, "generics landed in 1.18", "what do you think about generics"} {
		if !strings.Contains(gen.prompts[1], want) {
			t.Errorf("answer prompt missing %q", want)
		}
	}
}

func TestRun_AnswerPromptCarriesTopicFields(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true, "reasoning": "direct question"}`,
		`{"text": "draft"}`,
		`{"text": "draft"}`,
		`{"is_trivial": false}`,
		`{"confidence": "high", "reasoning": "ok"}`,
	}}
	req := baseRequest()
	req.Keywords = "go,distributed systems"
	req.TopicPatterns = `{"go": "short declarative takes"}`

	if _, err := NewEngine(gen).Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, want := range []string{"Keywords: go,distributed systems", "short declarative takes"} {
		if !strings.Contains(gen.prompts[1], want) {
			t.Errorf("answer prompt missing %q", want)
		}
	}
}

func TestRun_AnswerPromptEmptyTopicFields(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true, "reasoning": "direct question"}`,
		`{"text": "draft"}`,
		`{"text": "draft"}`,
		`{"is_trivial": false}`,
		`{"confidence": "high", "reasoning": "ok"}`,
	}}

	if _, err := NewEngine(gen).Run(context.Background(), baseRequest()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(gen.prompts[1], "Keywords: none identified") {
		t.Errorf("answer prompt = %q, want placeholder for missing keywords", gen.prompts[1])
	}
}

func TestRun_NoReply(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": false, "reasoning": "not addressed to the twin"}`,
	}}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Kind != OutcomeNoReply {
		t.Errorf("Kind = %v, want OutcomeNoReply", outcome.Kind)
	}
	if outcome.ShouldPost() {
		t.Error("ShouldPost() = true for no-reply")
	}
	if len(gen.prompts) != 1 {
		t.Errorf("ran %d stages after the gate declined", len(gen.prompts)-1)
	}
}

func TestRun_TrivialSkipsScoring(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true}`,
		`{"text": "gm!"}`,
		`{"text": "gm"}`,
		`{"is_trivial": true}`,
	}}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Kind != OutcomeTrivial || outcome.Text != "gm" {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Confidence != "" {
		t.Errorf("trivial outcome scored: %s", outcome.Confidence)
	}
	if len(gen.prompts) != 4 {
		t.Errorf("%d model calls, want 4 (no confidence stage)", len(gen.prompts))
	}
}

func TestRun_LowConfidenceSubstitutesFallback(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true}`,
		`{"text": "the answer is definitely 42"}`,
		`{"text": "the answer is definitely 42"}`,
		`{"is_trivial": false}`,
		`{"confidence": "low", "reasoning": "nothing in context supports this"}`,
		`{"text": "eh, not sure on that one. don't want to guess"}`,
	}}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Kind != OutcomeScored || outcome.Confidence != ConfidenceLow {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Text != "eh, not sure on that one. don't want to guess" {
		t.Errorf("Text = %q, want substituted decline", outcome.Text)
	}
	// The decline prompt carries the stored tone.
	last := gen.prompts[len(gen.prompts)-1]
	if !strings.Contains(last, "tone is: dry") {
		t.Errorf("decline prompt = %q", last)
	}
}

func TestRun_LowConfidenceDeterministicLastResort(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true}`,
		`{"text": "definitely 42"}`,
		`{"text": "definitely 42"}`,
		`{"is_trivial": false}`,
		`{"confidence": "low", "reasoning": "ungrounded"}`,
		// Decline generation never produces JSON.
		"I cannot do that",
		"still prose",
	}}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Text != notConfidentFallback {
		t.Errorf("Text = %q, want deterministic fallback", outcome.Text)
	}
	if outcome.Text == "" {
		t.Error("fallback must not be empty")
	}
}

func TestRun_GateFailureDefaultsToReply(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []string{
			"", // gate call errors
			`{"text": "answer"}`,
			`{"text": "answer"}`,
			`{"is_trivial": false}`,
			`{"confidence": "medium", "reasoning": "plausible"}`,
		},
		errs: []error{fmt.Errorf("rate limited")},
	}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Kind != OutcomeScored || outcome.Text != "answer" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRun_MalformedStagesDegrade(t *testing.T) {
	// Gate, refinement, triviality, and scoring all emit prose twice,
	// exhausting each stage's parse retry. The pipeline still ends in a
	// scored outcome with a medium default.
	gen := &scriptedGenerator{responses: []string{
		"sure I'd reply", "still prose", // gate: default reply
		`{"text": "styled answer"}`,
		"no json here", "or here", // refinement: keep draft
		"nope", "nope", // triviality: default not trivial
		"what is confidence", "dunno", // scoring: default medium
	}}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Kind != OutcomeScored || outcome.Text != "styled answer" {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Confidence != ConfidenceMedium || outcome.Reasoning != "confidence could not be evaluated" {
		t.Errorf("Confidence = %s %q", outcome.Confidence, outcome.Reasoning)
	}
}

func TestRun_MalformedAnswerUsedAsText(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true}`,
		"plain prose answer", "  plain prose answer again  ", // answer: raw text kept
		`{"text": "refined"}`,
		`{"is_trivial": false}`,
		`{"confidence": "high", "reasoning": "ok"}`,
	}}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Text != "refined" {
		t.Errorf("Text = %q", outcome.Text)
	}
}

func TestRun_AnswerHardErrorPropagates(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []string{`{"to_reply": true}`, ""},
		errs:      []error{nil, fmt.Errorf("connection refused")},
	}
	if _, err := NewEngine(gen).Run(context.Background(), baseRequest()); err == nil {
		t.Fatal("expected error from answer generation")
	}
}

func TestRun_InvalidConfidenceValueDefaultsMedium(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"to_reply": true}`,
		`{"text": "answer"}`,
		`{"text": "answer"}`,
		`{"is_trivial": false}`,
		`{"confidence": "very high", "reasoning": "model invented a grade"}`,
	}}
	outcome, err := NewEngine(gen).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Confidence != ConfidenceMedium {
		t.Errorf("Confidence = %s, want medium", outcome.Confidence)
	}
}

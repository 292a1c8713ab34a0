// Package convo decides whether and how a twin replies to a mention.
// The decision runs as a bounded pipeline of model-backed stages over a
// transient state; every stage degrades to a conservative default when
// the model misbehaves, so the pipeline always terminates with one of
// three outcomes.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twincast/twincast/internal/llm"
)

// Confidence grades how well an answer is grounded in retrieved context.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// OutcomeKind tags the terminal states of the pipeline.
type OutcomeKind int

const (
	// OutcomeNoReply means the reply gate decided silence is right.
	OutcomeNoReply OutcomeKind = iota
	// OutcomeTrivial carries a styled answer to a social pleasantry;
	// trivial exchanges are not scored for groundedness.
	OutcomeTrivial
	// OutcomeScored carries a full answer with its confidence grade.
	OutcomeScored
)

// Outcome is the terminal result of a pipeline run.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	Confidence Confidence
	Reasoning  string
}

// ShouldPost reports whether the outcome carries text worth posting.
func (o *Outcome) ShouldPost() bool {
	return o.Kind != OutcomeNoReply && o.Text != ""
}

// Turn is one entry of the conversation transcript, oldest first.
type Turn struct {
	Author string
	Text   string
}

// Request carries everything one decision needs. Keywords and
// TopicPatterns are the queryable fields derived at profile build
// time; they steer the answer toward the user's known topics without
// making the model dig them out of the profile blob.
type Request struct {
	Question      string
	History       []Turn
	StyleProfile  string
	Tone          string
	Keywords      string
	TopicPatterns string
	Context       []string
}

// state is threaded through the stage functions and discarded when the
// run ends.
type state struct {
	req       Request
	draft     string
	trivial   bool
	conf      Confidence
	reasoning string
}

// Engine runs the reply decision pipeline.
type Engine struct {
	gen    llm.Generator
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(gen llm.Generator) *Engine {
	return &Engine{gen: gen, logger: slog.Default().With("component", "convo")}
}

// Run executes the pipeline: reply gate, answer generation, style
// refinement, triviality gate, confidence scoring. Gate and scoring
// failures fall back to defaults that favor engagement; only answer
// generation propagates hard errors, since without a draft there is
// nothing to decide about.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	s := &state{req: req, conf: ConfidenceMedium}

	if !e.decideReply(ctx, s) {
		return &Outcome{Kind: OutcomeNoReply}, nil
	}
	if err := e.generateAnswer(ctx, s); err != nil {
		return nil, err
	}
	e.refineStyle(ctx, s)

	if e.decideTrivial(ctx, s) {
		return &Outcome{Kind: OutcomeTrivial, Text: s.draft}, nil
	}

	e.scoreConfidence(ctx, s)
	if s.conf == ConfidenceLow {
		e.substituteNotConfident(ctx, s)
	}
	return &Outcome{Kind: OutcomeScored, Text: s.draft, Confidence: s.conf, Reasoning: s.reasoning}, nil
}

func (e *Engine) decideReply(ctx context.Context, s *state) bool {
	var out struct {
		ToReply   bool   `json:"to_reply"`
		Reasoning string `json:"reasoning"`
	}
	prompt := fmt.Sprintf(replyGatePrompt, formatHistory(s.req.History, s.req.Question))
	if err := llm.GenerateJSON(ctx, e.gen, "", prompt, &out); err != nil {
		e.logger.Warn("reply gate failed, defaulting to reply", "error", err)
		return true
	}
	if !out.ToReply {
		e.logger.Info("reply gate declined", "reasoning", out.Reasoning)
	}
	return out.ToReply
}

func (e *Engine) generateAnswer(ctx context.Context, s *state) error {
	contextBlock := noContextPlaceholder
	if len(s.req.Context) > 0 {
		contextBlock = strings.Join(s.req.Context, "\n\n")
	}
	var out struct {
		Text string `json:"text"`
	}
	prompt := fmt.Sprintf(answerPrompt, s.req.StyleProfile, topicsBlock(s.req), contextBlock, s.req.Question)
	err := llm.GenerateJSON(ctx, e.gen, "", prompt, &out)
	if err != nil {
		var malformed *llm.MalformedOutputError
		if !errors.As(err, &malformed) {
			return fmt.Errorf("generating answer: %w", err)
		}
		// The model wrote prose instead of JSON. Use it as-is.
		e.logger.Warn("answer output unparseable, using raw text")
		s.draft = strings.TrimSpace(malformed.Raw)
		return nil
	}
	s.draft = out.Text
	return nil
}

func (e *Engine) refineStyle(ctx context.Context, s *state) {
	var out struct {
		Text string `json:"text"`
	}
	if err := llm.GenerateJSON(ctx, e.gen, "", fmt.Sprintf(refinePrompt, s.draft), &out); err != nil {
		e.logger.Warn("style refinement failed, keeping draft", "error", err)
		return
	}
	if out.Text != "" {
		s.draft = out.Text
	}
}

func (e *Engine) decideTrivial(ctx context.Context, s *state) bool {
	var out struct {
		IsTrivial bool `json:"is_trivial"`
	}
	if err := llm.GenerateJSON(ctx, e.gen, "", fmt.Sprintf(trivialityPrompt, s.req.Question), &out); err != nil {
		e.logger.Warn("triviality gate failed, treating as substantive", "error", err)
		return false
	}
	s.trivial = out.IsTrivial
	return out.IsTrivial
}

func (e *Engine) scoreConfidence(ctx context.Context, s *state) {
	contextBlock := noContextPlaceholder
	if len(s.req.Context) > 0 {
		contextBlock = strings.Join(s.req.Context, "\n\n")
	}
	var out struct {
		Confidence string `json:"confidence"`
		Reasoning  string `json:"reasoning"`
	}
	prompt := fmt.Sprintf(confidencePrompt, contextBlock, s.draft)
	if err := llm.GenerateJSON(ctx, e.gen, "", prompt, &out); err != nil {
		e.logger.Warn("confidence scoring failed, defaulting to medium", "error", err)
		s.conf = ConfidenceMedium
		s.reasoning = "confidence could not be evaluated"
		return
	}
	switch Confidence(out.Confidence) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		s.conf = Confidence(out.Confidence)
		s.reasoning = out.Reasoning
	default:
		s.conf = ConfidenceMedium
		s.reasoning = "confidence could not be evaluated"
	}
}

// substituteNotConfident replaces a poorly grounded draft with a short
// decline in the user's voice.
func (e *Engine) substituteNotConfident(ctx context.Context, s *state) {
	tone := s.req.Tone
	if tone == "" {
		tone = "casual"
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := llm.GenerateJSON(ctx, e.gen, "", fmt.Sprintf(lowConfidencePrompt, tone), &out); err != nil || out.Text == "" {
		s.draft = notConfidentFallback
		return
	}
	s.draft = out.Text
}

// topicsBlock renders the derived keyword and topic-pattern fields for
// the answer prompt.
func topicsBlock(req Request) string {
	keywords := req.Keywords
	if keywords == "" {
		keywords = "none identified"
	}
	patterns := req.TopicPatterns
	if patterns == "" {
		patterns = "none identified"
	}
	return fmt.Sprintf("Keywords: %s\nPatterns per topic: %s", keywords, patterns)
}

// formatHistory renders the transcript for the reply gate, the pending
// question last.
func formatHistory(history []Turn, question string) string {
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Author, t.Text)
	}
	fmt.Fprintf(&b, "latest: %s", question)
	return b.String()
}

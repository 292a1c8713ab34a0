package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twincast/twincast/internal/llm"
)

// profileSampleLimit bounds how many posts are quoted to the model per
// analysis stage.
const profileSampleLimit = 200

// StyleProfile is the derived description of how a user writes. The
// whole struct is stored as an opaque JSON blob; keywords and topic
// patterns are additionally broken out into queryable agent columns.
type StyleProfile struct {
	Vocabulary struct {
		CommonPhrases []string `json:"common_words_phrases"`
		Jargon        []string `json:"jargon"`
	} `json:"vocabulary"`
	Keywords []string `json:"keywords"`
	Tone     string   `json:"tone"`
	Syntax   struct {
		SentenceLength string `json:"sentence_length"`
		Capitalization string `json:"capitalization"`
		Punctuation    string `json:"punctuation"`
		Formatting     string `json:"formatting"`
	} `json:"syntax"`
	PatternsPerTopic map[string]string `json:"patterns_per_topic"`

	// RawAnalysis holds the model's unparseable output when a stage
	// fell back, so nothing the model said is silently dropped.
	RawAnalysis string `json:"raw_analysis,omitempty"`
}

// JSON returns the profile as the opaque blob persisted on the agent.
func (p *StyleProfile) JSON() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// TopicPatternsJSON returns the per-topic response patterns as JSON.
func (p *StyleProfile) TopicPatternsJSON() string {
	if len(p.PatternsPerTopic) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p.PatternsPerTopic)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// KeywordsCSV returns the comma-joined topic keywords.
func (p *StyleProfile) KeywordsCSV() string {
	return strings.Join(p.Keywords, ",")
}

type stageOneAnalysis struct {
	Vocabulary struct {
		CommonPhrases []string `json:"common_words_phrases"`
		Jargon        []string `json:"jargon"`
	} `json:"vocabulary"`
	ContentThemes []string `json:"content_themes"`
}

type stageTwoAnalysis struct {
	Tone   string `json:"tone"`
	Syntax struct {
		SentenceLength string `json:"sentence_length"`
		Capitalization string `json:"capitalization"`
		Punctuation    string `json:"punctuation"`
		Formatting     string `json:"formatting"`
	} `json:"syntax"`
	PatternsPerTopic map[string]string `json:"patterns_per_topic"`
}

const profileSystemPrompt = "You are a meticulous linguistic analyst. You read a collection of " +
	"social media posts from a single user and produce structured analysis in JSON. " +
	"Your analysis must be objective, detailed, and directly derivable from the provided text."

const stageOnePrompt = `Analyze the USER POSTS below and identify the user's vocabulary and recurring topics.

Your output MUST be a single valid JSON object of this shape:
{
  "vocabulary": {
    "common_words_phrases": ["specific words or short phrases the user frequently uses"],
    "jargon": ["slang, technical jargon, or unique idioms the user employs"]
  },
  "content_themes": ["the primary topics and themes the user consistently discusses"]
}

### USER POSTS ###

%s`

const stageTwoPrompt = `Analyze the USER POSTS below and describe the user's tone, syntax, and how they respond within each of their topics.

The user's identified topics are: %s

Your output MUST be a single valid JSON object of this shape:
{
  "tone": "concise description of overall tone and formality",
  "syntax": {
    "sentence_length": "typical sentence length",
    "capitalization": "capitalization habits",
    "punctuation": "common punctuation patterns",
    "formatting": "formatting choices"
  },
  "patterns_per_topic": {"topic": "how the user typically responds when discussing this topic"}
}

### USER POSTS ###

%s`

// BuildStyleProfile derives a StyleProfile from a user's posts in two
// passes: vocabulary and topics first, then tone, syntax, and
// per-topic patterns informed by the stage-one topics. A stage whose
// output never parses degrades to zero values with the raw text kept,
// rather than failing the whole derivation.
func BuildStyleProfile(ctx context.Context, gen llm.Generator, casts, replies []string) (*StyleProfile, error) {
	corpus := buildCorpus(casts, replies)
	log := slog.Default().With("component", "profiler")

	var one stageOneAnalysis
	raw := ""
	err := llm.GenerateJSON(ctx, gen, profileSystemPrompt, fmt.Sprintf(stageOnePrompt, corpus), &one)
	if err != nil {
		var malformed *llm.MalformedOutputError
		if !errors.As(err, &malformed) {
			return nil, err
		}
		log.Warn("vocabulary analysis output unparseable, keeping raw text")
		raw = malformed.Raw
	}

	var two stageTwoAnalysis
	topics := strings.Join(one.ContentThemes, ", ")
	if topics == "" {
		topics = "none identified"
	}
	err = llm.GenerateJSON(ctx, gen, profileSystemPrompt, fmt.Sprintf(stageTwoPrompt, topics, corpus), &two)
	if err != nil {
		var malformed *llm.MalformedOutputError
		if !errors.As(err, &malformed) {
			return nil, err
		}
		log.Warn("tone analysis output unparseable, keeping raw text")
		if raw != "" {
			raw += "\n\n"
		}
		raw += malformed.Raw
	}

	profile := &StyleProfile{
		Keywords:         one.ContentThemes,
		Tone:             two.Tone,
		PatternsPerTopic: two.PatternsPerTopic,
		RawAnalysis:      raw,
	}
	profile.Vocabulary = one.Vocabulary
	profile.Syntax = two.Syntax
	return profile, nil
}

// buildCorpus formats posts for the analysis prompts, replies after
// casts, capped per stage so prompts stay bounded.
func buildCorpus(casts, replies []string) string {
	var b strings.Builder
	n := 0
	for _, group := range [][]string{casts, replies} {
		for _, text := range group {
			if n >= profileSampleLimit {
				return b.String()
			}
			if text == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(text)
			b.WriteString("\n")
			n++
		}
	}
	return b.String()
}

package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// scriptedGenerator returns canned responses in order.
type scriptedGenerator struct {
	responses []string
	prompts   []string
}

func (s *scriptedGenerator) Complete(_ context.Context, _, user string) (string, error) {
	s.prompts = append(s.prompts, user)
	if len(s.responses) == 0 {
		return "", fmt.Errorf("no scripted response left")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedGenerator) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("not implemented")
}

func TestBuildStyleProfile(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"vocabulary": {"common_words_phrases": ["tbh"], "jargon": ["lgtm"]}, "content_themes": ["code review", "testing"]}`,
		`{"tone": "blunt but friendly", "syntax": {"sentence_length": "short", "capitalization": "lowercase"}, "patterns_per_topic": {"code review": "asks for smaller diffs"}}`,
	}}

	profile, err := BuildStyleProfile(context.Background(), gen, []string{"first cast", "second cast"}, []string{"a reply"})
	if err != nil {
		t.Fatalf("BuildStyleProfile() error = %v", err)
	}

	if got := profile.KeywordsCSV(); got != "code review,testing" {
		t.Errorf("KeywordsCSV() = %q", got)
	}
	if profile.Tone != "blunt but friendly" {
		t.Errorf("Tone = %q", profile.Tone)
	}
	if profile.Vocabulary.Jargon[0] != "lgtm" {
		t.Errorf("Jargon = %v", profile.Vocabulary.Jargon)
	}
	if profile.Syntax.Capitalization != "lowercase" {
		t.Errorf("Syntax = %+v", profile.Syntax)
	}
	if profile.RawAnalysis != "" {
		t.Errorf("RawAnalysis = %q, want empty", profile.RawAnalysis)
	}

	// The second stage is told the first stage's topics.
	if len(gen.prompts) != 2 || !strings.Contains(gen.prompts[1], "code review, testing") {
		t.Errorf("stage two prompt missing topics: %q", gen.prompts[len(gen.prompts)-1])
	}
	// Both stages quote the corpus.
	for i, p := range gen.prompts {
		if !strings.Contains(p, "- first cast\n") || !strings.Contains(p, "- a reply\n") {
			t.Errorf("prompt %d missing corpus posts", i)
		}
	}
}

func TestBuildStyleProfile_SalvagesMalformedOutput(t *testing.T) {
	// Both stages return prose twice, exhausting the parse retry.
	gen := &scriptedGenerator{responses: []string{
		"the user mostly talks about gardening",
		"still not json, sorry",
		"their tone is warm",
		"again no json",
	}}

	profile, err := BuildStyleProfile(context.Background(), gen, []string{"a cast"}, nil)
	if err != nil {
		t.Fatalf("BuildStyleProfile() error = %v, want salvage", err)
	}
	if len(profile.Keywords) != 0 || profile.Tone != "" {
		t.Errorf("profile not zero-valued: %+v", profile)
	}
	want := "still not json, sorry\n\nagain no json"
	if profile.RawAnalysis != want {
		t.Errorf("RawAnalysis = %q, want %q", profile.RawAnalysis, want)
	}
	// Stage two falls back to a placeholder topic list.
	if !strings.Contains(gen.prompts[2], "none identified") {
		t.Errorf("stage two prompt = %q", gen.prompts[2])
	}
}

func TestBuildStyleProfile_PropagatesGeneratorError(t *testing.T) {
	gen := &scriptedGenerator{} // no responses scripted
	if _, err := BuildStyleProfile(context.Background(), gen, []string{"a cast"}, nil); err == nil {
		t.Fatal("expected error when the model call fails")
	}
}

func TestBuildCorpus_CapsSamples(t *testing.T) {
	casts := make([]string, profileSampleLimit+50)
	for i := range casts {
		casts[i] = fmt.Sprintf("cast %d", i)
	}
	corpus := buildCorpus(casts, []string{"never included"})
	if strings.Contains(corpus, "never included") {
		t.Error("replies included past the sample cap")
	}
	if got := strings.Count(corpus, "- "); got != profileSampleLimit {
		t.Errorf("corpus has %d posts, want %d", got, profileSampleLimit)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MalformedOutputError reports that the model never produced parseable
// JSON. Raw carries the last response so callers can salvage it as
// plain text.
type MalformedOutputError struct {
	Raw string
}

func (e *MalformedOutputError) Error() string {
	return "model output is not valid JSON"
}

var fencedJSON = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of model output: the whole text
// if it parses, else the first fenced code block, else the outermost
// brace-delimited substring. Returns false when nothing parses.
func ExtractJSON(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return trimmed, true
	}

	if m := fencedJSON.FindStringSubmatch(text); m != nil && json.Valid([]byte(m[1])) {
		return m[1], true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

const strictRetrySuffix = "\n\nIMPORTANT: Your previous response could not be parsed as valid JSON. " +
	"Respond with ONLY a valid JSON object, with no markdown formatting, no code blocks, " +
	"no explanations, and no additional text. Start your response with { and end with }."

// GenerateJSON completes the prompt and unmarshals the model's JSON
// output into out. On a parse failure it retries once with a stricter
// instruction; a second failure returns MalformedOutputError carrying
// the raw text.
func GenerateJSON(ctx context.Context, g Generator, system, prompt string, out any) error {
	text, err := g.Complete(ctx, system, prompt)
	if err != nil {
		return err
	}
	if extracted, ok := ExtractJSON(text); ok {
		return unmarshalExtracted(extracted, out)
	}

	text, err = g.Complete(ctx, system, prompt+strictRetrySuffix)
	if err != nil {
		return err
	}
	if extracted, ok := ExtractJSON(text); ok {
		return unmarshalExtracted(extracted, out)
	}
	return &MalformedOutputError{Raw: text}
}

func unmarshalExtracted(extracted string, out any) error {
	if err := json.Unmarshal([]byte(extracted), out); err != nil {
		return fmt.Errorf("unmarshaling model output: %w", err)
	}
	return nil
}

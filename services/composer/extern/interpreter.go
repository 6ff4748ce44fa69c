// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// keywordActions maps feedback vocabulary to directive actions, checked in
// order so the strongest cue wins.
var keywordActions = []struct {
	cues   []string
	action plan.Action
}{
	{[]string{"drama", "dramatic", "louder", "intense", "build"}, plan.ActionIntensify},
	{[]string{"softer", "quieter", "gentle", "calm"}, plan.ActionSoften},
	{[]string{"simpler", "simplify", "busy", "cluttered"}, plan.ActionSimplify},
	{[]string{"harmony", "reharmonize", "chord"}, plan.ActionReharmonize},
	{[]string{"orchestration", "voicing", "swap"}, plan.ActionReorchestrate},
	{[]string{"faster", "slower", "tempo"}, plan.ActionAdjustTempo},
}

var measureRange = regexp.MustCompile(`measures?\s+(\d+)(?:\s*(?:-|to|through)\s*(\d+))?`)

// KeywordInterpreter turns feedback into directives by vocabulary matching.
// It is deterministic and needs no external service; production deployments
// layer OpenAIInterpreter in front and fall back to this.
type KeywordInterpreter struct{}

// NewKeywordInterpreter returns the vocabulary-matching interpreter.
func NewKeywordInterpreter() *KeywordInterpreter {
	return &KeywordInterpreter{}
}

// Interpret derives a revision plan from the feedback text.
func (k *KeywordInterpreter) Interpret(ctx context.Context, feedback string, target *score.Score, targetVersion uint64) (*plan.RevisionPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lower := strings.ToLower(feedback)
	var action plan.Action
	for _, entry := range keywordActions {
		for _, cue := range entry.cues {
			if strings.Contains(lower, cue) {
				action = entry.action
				break
			}
		}
		if action != "" {
			break
		}
	}
	if action == "" {
		return nil, fmt.Errorf("%w: no recognized cue in %q", ErrUnparseableFeedback, feedback)
	}

	scope := parseScope(lower, target)
	p := &plan.RevisionPlan{
		TargetVersion: targetVersion,
		Directives:    []plan.Directive{{Action: action, Scope: scope, Detail: feedback}},
		RawFeedback:   feedback,
	}
	if err := p.Resolve(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableFeedback, err)
	}
	return p, nil
}

// parseScope extracts a measure range and section mention from the text. A
// measure range without an explicit section is pinned to the score's first
// section, since that is what feedback on a single-section piece means.
func parseScope(lower string, target *score.Score) plan.Scope {
	var scope plan.Scope
	for _, sec := range target.Sections {
		if strings.Contains(lower, "section "+strings.ToLower(sec.Label)) {
			scope.Section = sec.Label
			break
		}
	}

	if m := measureRange.FindStringSubmatch(lower); m != nil {
		from, _ := strconv.Atoi(m[1])
		to := from
		if m[2] != "" {
			to, _ = strconv.Atoi(m[2])
		}
		scope.FromMeasure = from
		scope.ToMeasure = to
		if scope.Section == "" && len(target.Sections) > 0 {
			scope.Section = target.Sections[0].Label
		}
	}
	return scope
}

// interpreterSystemPrompt instructs the model to emit directives as JSON.
const interpreterSystemPrompt = `You translate musical feedback into edit directives.
Respond with a JSON object only: {"directives": [{"action": "...", "scope": {"section": "...", "instrument": "...", "from_measure": 0, "to_measure": 0}, "detail": "..."}]}.
Valid actions: intensify, soften, simplify, reharmonize, reorchestrate, adjust_tempo.
Omit scope fields that the feedback does not constrain. Measure numbers are 1-based and inclusive.`

// OpenAIInterpreter uses a chat model to turn feedback into directives.
//
// Interpretation is the one non-deterministic step of the pipeline, which is
// why plans are persisted on the version record: replaying a revision reuses
// the recorded plan instead of re-interpreting.
type OpenAIInterpreter struct {
	client   *openai.Client
	model    string
	fallback *KeywordInterpreter
}

// NewOpenAIInterpreter creates an interpreter for the given API key and
// model. An empty model selects GPT-4o.
func NewOpenAIInterpreter(apiKey, model string) *OpenAIInterpreter {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIInterpreter{
		client:   openai.NewClient(apiKey),
		model:    model,
		fallback: NewKeywordInterpreter(),
	}
}

// Interpret asks the model for directives, falling back to keyword matching
// when the API fails transiently.
func (o *OpenAIInterpreter) Interpret(ctx context.Context, feedback string, target *score.Score, targetVersion uint64) (*plan.RevisionPlan, error) {
	scoreJSON, err := target.Marshal()
	if err != nil {
		return nil, err
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: interpreterSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Score:\n%s\n\nFeedback:\n%s", scoreJSON, feedback)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableFeedback, err)
		}
		// API outage or rate limit: the keyword fallback keeps revisions
		// flowing, just with blunter plans.
		return o.fallback.Interpret(ctx, feedback, target, targetVersion)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrUnparseableFeedback)
	}

	var parsed struct {
		Directives []plan.Directive `json:"directives"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableFeedback, err)
	}

	p := &plan.RevisionPlan{
		TargetVersion: targetVersion,
		Directives:    parsed.Directives,
		RawFeedback:   feedback,
	}
	if err := p.Resolve(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableFeedback, err)
	}
	return p, nil
}

// Package llm grades open-ended responses with an OpenAI-compatible chat
// model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/problem"
)

// DefaultThreshold is the fraction of points an answer needs to be correct.
const DefaultThreshold = 0.5

// GradeResult is the model's reply.
type GradeResult struct {
	Score     float64 `json:"score"`
	MaxPoints float64 `json:"max_points"`
	Feedback  string  `json:"feedback"`
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api       chatAPI
	model     string
	variant   prompts.PromptVariant
	threshold float64
}

var _ problem.PluginGrader = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithThreshold sets the fraction of points needed for a correct verdict.
func WithThreshold(f float64) Option {
	return func(c *Client) { c.threshold = f }
}

func withAPI(api chatAPI) Option {
	return func(c *Client) { c.api = api }
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName, variant string, opts ...Option) (*Client, error) {
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:       openai.NewClientWithConfig(config),
		model:     modelName,
		variant:   prompts.PromptVariant(variant),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Grade asks the model to score one open-ended answer.
func (c *Client) Grade(ctx context.Context, resp *problem.Response, answer string) (problem.Verdict, error) {
	prompt, err := prompts.BuildGradePrompt(c.variant, prompts.GradeData{
		Prompt:      resp.Prompt,
		MaxPoints:   resp.MaxPoints,
		Rubric:      resp.Rubric,
		ModelAnswer: resp.Answer,
		Answer:      answer,
	})
	if err != nil {
		return problem.Verdict{}, fmt.Errorf("build prompt: %w", err)
	}

	out, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return problem.Verdict{}, fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(out.Choices) == 0 {
		return problem.Verdict{}, errors.New("LLM returned no choices for grading")
	}

	raw := out.Choices[0].Message.Content
	slog.Debug("LLM response", "response", resp.ID, "raw", raw)

	var result GradeResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return problem.Verdict{}, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	return c.verdict(result, resp.MaxPoints), nil
}

// verdict rescales the reply onto maxPoints and applies the threshold.
func (c *Client) verdict(r GradeResult, maxPoints float64) problem.Verdict {
	scale := r.MaxPoints
	if scale <= 0 {
		scale = maxPoints
	}
	var frac float64
	if scale > 0 {
		frac = math.Max(0, math.Min(1, r.Score/scale))
	}
	return problem.Verdict{
		Correct: frac >= c.threshold,
		Score:   frac * maxPoints,
		Msg:     r.Feedback,
	}
}

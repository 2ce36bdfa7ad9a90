package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultModel is used when config does not name one.
	DefaultModel = "claude-sonnet-4-5-20250929"

	// DefaultMaxTokens bounds one response.
	DefaultMaxTokens = 4096
)

// AnthropicOptions configures the Anthropic-backed client.
type AnthropicOptions struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64

	// RequestsPerMinute caps outbound call rate. Zero disables
	// limiting.
	RequestsPerMinute int

	Logger *zap.Logger
}

// AnthropicClient implements Client against the Anthropic Messages
// API, with a local rate limiter and usage accounting.
type AnthropicClient struct {
	api         anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	limiter     *rate.Limiter
	logger      *zap.Logger

	requests     atomic.Int64
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
}

// NewAnthropicClient builds the production client.
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic API key cannot be empty")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.RequestsPerMinute)
	}

	return &AnthropicClient{
		api:         anthropic.NewClient(option.WithAPIKey(opts.APIKey)),
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		limiter:     limiter,
		logger:      opts.Logger.Named("anthropic"),
	}, nil
}

// Generate sends one message turn and concatenates the text blocks of
// the response.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	switch {
	case req.Temperature > 0:
		params.Temperature = anthropic.Float(req.Temperature)
	case c.temperature > 0:
		params.Temperature = anthropic.Float(c.temperature)
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	c.requests.Add(1)
	c.inputTokens.Add(msg.Usage.InputTokens)
	c.outputTokens.Add(msg.Usage.OutputTokens)

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()

	c.logger.Debug("generation complete",
		zap.Int("prompt_chars", len(req.Prompt)),
		zap.Int("response_chars", len(text)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens))
	return text, nil
}

// GenerateJSON asks for bare JSON and decodes the response into out.
func (c *AnthropicClient) GenerateJSON(ctx context.Context, req Request, out any) error {
	req.Prompt += "\n\nRespond with ONLY valid JSON. No markdown fences, no prose."
	raw, err := c.Generate(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(raw, out)
}

// Stats reports cumulative usage for this client instance.
func (c *AnthropicClient) Stats() (requests, inputTokens, outputTokens int64) {
	return c.requests.Load(), c.inputTokens.Load(), c.outputTokens.Load()
}

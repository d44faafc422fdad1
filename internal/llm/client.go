// Package llm provides the text generation client and the structured
// sub-protocols layered on top of free-text responses: unified-diff
// extraction, JSON extraction, checklist-review extraction, and the
// tool-command vocabulary.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Tier selects the quality/cost tier for a request.
type Tier string

const (
	// TierImportant is used for patch generation, reviews, and triage.
	TierImportant Tier = "important"

	// TierRoutine is used for summaries and task generation.
	TierRoutine Tier = "routine"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one entry in the ordered message list of a request.
type Message struct {
	Role    Role
	Content string
}

// Client is the consumed interface of the text generation service.
type Client interface {
	// Complete sends the ordered message list at the given tier and
	// returns the free-text response.
	Complete(ctx context.Context, tier Tier, msgs []Message) (string, error)
}

// systemPreamble is prepended to every request.
const systemPreamble = "You are an automated software engineer working on a " +
	"single repository. Follow the requested output format exactly; your " +
	"responses are parsed by a machine."

// Config configures the langchaingo-backed client. The endpoint must be
// OpenAI-compatible (OpenAI itself or a local gateway).
type Config struct {
	// BaseURL of the OpenAI-compatible API.
	BaseURL string `koanf:"base_url"`

	// APIKey for the endpoint.
	APIKey string `koanf:"api_key"`

	// ImportantModel serves TierImportant requests.
	ImportantModel string `koanf:"important_model"`

	// RoutineModel serves TierRoutine requests.
	RoutineModel string `koanf:"routine_model"`

	// RequestsPerMinute throttles outbound calls. Default: 20.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// MaxTokens caps the response size. Default: 4096.
	MaxTokens int `koanf:"max_tokens"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ImportantModel == "" {
		c.ImportantModel = "gpt-4o"
	}
	if c.RoutineModel == "" {
		c.RoutineModel = "gpt-4o-mini"
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 20
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("llm api key is required")
	}
	return nil
}

// Service implements Client over langchaingo with one model per tier and a
// shared rate limiter.
type Service struct {
	important llms.Model
	routine   llms.Model
	limiter   *rate.Limiter
	maxTokens int
	logger    *zap.Logger
}

// NewService constructs the client from config.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	important, err := newModel(cfg, cfg.ImportantModel)
	if err != nil {
		return nil, fmt.Errorf("creating important-tier model: %w", err)
	}
	routine, err := newModel(cfg, cfg.RoutineModel)
	if err != nil {
		return nil, fmt.Errorf("creating routine-tier model: %w", err)
	}

	return &Service{
		important: important,
		routine:   routine,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}, nil
}

func newModel(cfg Config, model string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

// Complete sends the messages at the given tier.
func (s *Service) Complete(ctx context.Context, tier Tier, msgs []Message) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for llm rate limit: %w", err)
	}

	model := s.routine
	if tier == TierImportant {
		model = s.important
	}

	content := make([]llms.MessageContent, 0, len(msgs)+1)
	content = append(content, llms.TextParts(schema.ChatMessageTypeSystem, systemPreamble))
	for _, m := range msgs {
		role := schema.ChatMessageTypeHuman
		if m.Role == RoleSystem {
			role = schema.ChatMessageTypeSystem
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	resp, err := model.GenerateContent(ctx, content, llms.WithMaxTokens(s.maxTokens))
	if err != nil {
		return "", fmt.Errorf("llm request failed (tier=%s): %w", tier, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices (tier=%s)", tier)
	}

	text := resp.Choices[0].Content
	s.logger.Debug("llm completion",
		zap.String("tier", string(tier)),
		zap.Int("messages", len(msgs)),
		zap.Int("response_len", len(text)),
	)
	return strings.TrimSpace(text), nil
}

// UserMessage is a convenience constructor.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

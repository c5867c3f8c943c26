package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// defaultAnthropicMaxTokens is sent when a request leaves MaxTokens unset;
// the Messages API requires the field.
const defaultAnthropicMaxTokens = 1024

// AnthropicConfig configures AnthropicGenerator.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// AnthropicGenerator calls the Messages API.
type AnthropicGenerator struct {
	client anthropicsdk.Client
	model  string
}

// NewAnthropicGenerator creates a generator. The API key is required.
func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &AnthropicGenerator{
		client: anthropicsdk.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Generate sends req as a Messages call. JSON requests are steered through
// the system prompt.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	messages := make([]anthropicsdk.MessageParam, 0, len(req.Contents))
	for _, c := range req.Contents {
		text := c.Text
		if strings.TrimSpace(text) == "" {
			text = "."
		}
		role := anthropicsdk.MessageParamRoleUser
		if c.Role == RoleModel {
			role = anthropicsdk.MessageParamRoleAssistant
		}
		messages = append(messages, anthropicsdk.MessageParam{
			Role:    role,
			Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(text)},
		})
	}

	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: param.NewOpt(req.Temperature),
	}
	if system := systemWithJSON(req.System, req.JSON); strings.TrimSpace(system) != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropicsdk.Error
		if errors.As(err, &apiErr) && isPermanentStatus(apiErr.StatusCode) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", err
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

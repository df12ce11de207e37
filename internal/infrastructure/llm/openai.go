package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIBackend talks to OpenAI-compatible chat completion APIs (OpenAI, OpenRouter).
type OpenAIBackend struct {
	client *openai.Client
	model  openai.ChatModel
}

var _ Backend = (*OpenAIBackend)(nil)

// NewOpenAIBackend builds a backend from configuration. SDK retries are disabled;
// the pipeline owns the retry policy.
func NewOpenAIBackend(cfg config.LLMConfig) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(requestTimeout(cfg.Timeout)),
	}
	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.Provider == "openrouter" {
		baseURL = openRouterBaseURL
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}

	client := openai.NewClient(opts...)
	return &OpenAIBackend{client: &client, model: openai.ChatModel(model)}
}

// Complete sends one system + user exchange.
func (b *OpenAIBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       b.model,
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classify(req.Op, apiErr.StatusCode, err)
		}
		return "", classify(req.Op, 0, err)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.ValidationError{Op: req.Op, Message: "no choices in openai response"}
	}
	return resp.Choices[0].Message.Content, nil
}

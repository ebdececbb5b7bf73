package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/reasoning"
)

const adapterName = "openai"

var (
	// ErrEmptyAPIKey is returned when the API key is missing.
	ErrEmptyAPIKey = errors.New("API key cannot be empty")

	// ErrNoChoices is returned when the API answers without a completion.
	ErrNoChoices = errors.New("no response choices returned")
)

// Config holds the configuration for the OpenAI adapter.
type Config struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// ChatModel is the model to use for chat completions, e.g., "gpt-4o-mini".
	ChatModel string
	// BaseURL is the base URL for the OpenAI API.
	BaseURL string
}

// OpenAIAdapter implements the reasoning.Engine interface using the OpenAI API.
type OpenAIAdapter struct {
	client    *openai.Client
	chatModel string
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(config Config) (*OpenAIAdapter, error) {
	if config.APIKey == "" {
		return nil, &memerrors.ConnectionError{Adapter: adapterName, Err: ErrEmptyAPIKey}
	}

	if config.ChatModel == "" {
		config.ChatModel = "gpt-4o-mini"
	}

	return &OpenAIAdapter{
		client:    NewClient(config.APIKey, config.BaseURL),
		chatModel: config.ChatModel,
	}, nil
}

// NewClient builds a go-openai client, overriding the base URL when set.
func NewClient(apiKey, baseURL string) *openai.Client {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

// ProcessMessages generates a response to the given messages using the OpenAI API.
func (a *OpenAIAdapter) ProcessMessages(ctx context.Context, messages []openai.ChatCompletionMessage, opts ...reasoning.Option) (string, error) {
	options := reasoning.Apply(opts...)

	model := a.chatModel
	if options.Model != "" {
		model = options.Model
	}

	if options.System != "" {
		messages = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: options.System,
		}}, messages...)
	}

	request := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
	}
	if options.JSON {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	log.DebugContext(ctx, "Processing chat request", "model", model, "messages", len(messages))

	response, err := a.client.CreateChatCompletion(ctx, request)
	if err != nil {
		log.WarnContext(ctx, "Chat completion failed", "model", model, "error", err)
		return "", ClassifyError("chat", err)
	}

	if len(response.Choices) == 0 {
		return "", memerrors.NewAdapterError(adapterName, "chat", false, ErrNoChoices)
	}

	content := strings.TrimSpace(response.Choices[0].Message.Content)

	log.DebugContext(ctx, "Chat completion succeeded",
		"tokens", response.Usage.TotalTokens,
		"model", model)

	return content, nil
}

// Process implements the reasoning.Engine interface with a single user message.
func (a *OpenAIAdapter) Process(ctx context.Context, prompt string, opts ...reasoning.Option) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	return a.ProcessMessages(ctx, messages, opts...)
}

// ClassifyError maps go-openai failures onto the memfact error taxonomy.
// Authentication failures become connection errors; throttling and server
// errors are transient adapter errors.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &memerrors.ConnectionError{Adapter: adapterName, Err: err}
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return memerrors.NewAdapterError(adapterName, op, true, err)
	case status > 0:
		return memerrors.NewAdapterError(adapterName, op, false, err)
	case errors.Is(err, context.DeadlineExceeded):
		return memerrors.NewAdapterError(adapterName, op, true, err)
	case errors.Is(err, context.Canceled):
		return memerrors.NewAdapterError(adapterName, op, false, err)
	default:
		return &memerrors.ConnectionError{Adapter: adapterName, Err: err}
	}
}

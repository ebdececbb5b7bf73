package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/reasoning"
)

const adapterName = "anthropic"

// ErrEmptyAPIKey is returned when the API key is missing.
var ErrEmptyAPIKey = errors.New("API key cannot be empty")

// Config holds the configuration for the Anthropic adapter.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Adapter implements reasoning.Engine on the Anthropic Messages API.
type Adapter struct {
	client anthropic.Client
	model  string
}

// New creates an Anthropic adapter. No request is made until Process is called.
func New(config Config) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, &memerrors.ConnectionError{Adapter: adapterName, Err: ErrEmptyAPIKey}
	}
	if config.Model == "" {
		config.Model = "claude-3-5-haiku-latest"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &Adapter{
		client: anthropic.NewClient(opts...),
		model:  config.Model,
	}, nil
}

// Process sends prompt as a single user message and joins the text blocks of the reply.
func (a *Adapter) Process(ctx context.Context, prompt string, opts ...reasoning.Option) (string, error) {
	options := reasoning.Apply(opts...)

	model := a.model
	if options.Model != "" {
		model = options.Model
	}
	maxTokens := int64(options.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 2000
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(options.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if options.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: options.System},
		}
	}

	log.DebugContext(ctx, "Processing messages request", "model", model)

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		log.WarnContext(ctx, "Messages request failed", "model", model, "error", err)
		return "", classifyError(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	log.DebugContext(ctx, "Messages request succeeded",
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	return strings.TrimSpace(b.String()), nil
}

func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return &memerrors.ConnectionError{Adapter: adapterName, Err: err}
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError:
			return memerrors.NewAdapterError(adapterName, "messages", true, err)
		default:
			return memerrors.NewAdapterError(adapterName, "messages", false, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return memerrors.NewAdapterError(adapterName, "messages", true, err)
	}
	return &memerrors.ConnectionError{Adapter: adapterName, Err: err}
}

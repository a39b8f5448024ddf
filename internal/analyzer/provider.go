package analyzer

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/docctx"
	"github.com/sells-group/risk-analyzer/internal/resilience"
	"github.com/sells-group/risk-analyzer/pkg/anthropic"
	"github.com/sells-group/risk-analyzer/pkg/gemini"
)

// ErrNoProvider is returned by Resolve when no configured provider has
// credentials.
var ErrNoProvider = eris.New("analyzer: no provider configured")

// Call is one complete request to a model.
type Call struct {
	System      string
	Prompt      string
	Attachments []docctx.Attachment
}

// Provider answers a single Call with the model's full text.
type Provider interface {
	Name() string
	Model() string
	Ask(ctx context.Context, call Call) (string, error)
}

// Probe checks whether a provider can be built from the configuration.
type Probe struct {
	Name      string
	Available func(cfg *config.Config) bool
	Build     func(cfg *config.Config) Provider
}

var probes = map[string]Probe{
	"anthropic": {
		Name:      "anthropic",
		Available: func(cfg *config.Config) bool { return cfg.Anthropic.Key != "" },
		Build:     newAnthropicFromConfig,
	},
	"gemini": {
		Name:      "gemini",
		Available: func(cfg *config.Config) bool { return cfg.Gemini.Key != "" },
		Build:     newGeminiFromConfig,
	},
}

// Resolve walks cfg.Providers.Order once and builds the first provider whose
// credentials are present.
func Resolve(cfg *config.Config) (Provider, error) {
	for _, name := range cfg.Providers.Order {
		p, ok := probes[name]
		if !ok || !p.Available(cfg) {
			continue
		}
		return p.Build(cfg), nil
	}
	return nil, ErrNoProvider
}

// Available lists the configured providers that have credentials, in
// preference order.
func Available(cfg *config.Config) []string {
	var out []string
	for _, name := range cfg.Providers.Order {
		if p, ok := probes[name]; ok && p.Available(cfg) {
			out = append(out, name)
		}
	}
	return out
}

type anthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic wraps an Anthropic client as a Provider.
func NewAnthropic(client anthropic.Client, model string, maxTokens int64) Provider {
	return &anthropicProvider{client: client, model: model, maxTokens: maxTokens}
}

func newAnthropicFromConfig(cfg *config.Config) Provider {
	var opts []option.RequestOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	return NewAnthropic(anthropic.NewClient(cfg.Anthropic.Key, opts...), cfg.Anthropic.Model, int64(cfg.Anthropic.MaxTokens))
}

func (p *anthropicProvider) Name() string  { return "anthropic" }
func (p *anthropicProvider) Model() string { return p.model }

func (p *anthropicProvider) Ask(ctx context.Context, call Call) (string, error) {
	docs := make([]anthropic.Document, len(call.Attachments))
	for i, a := range call.Attachments {
		docs[i] = anthropic.Document{Title: a.Name, MediaType: a.MediaType, Data: a.Data}
	}

	temp := 0.0
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(call.System, ""),
		Temperature: &temp,
		Messages: []anthropic.Message{{
			Role:           "user",
			Content:        call.Prompt,
			Documents:      docs,
			CacheDocuments: len(docs) > 0,
		}},
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return "", resilience.NewTransientError(err, code)
		}
		return "", err
	}
	resp.Usage.LogCost(p.model, "question")
	return resp.Text(), nil
}

type geminiProvider struct {
	client gemini.Client
}

// NewGemini wraps a Gemini client as a Provider.
func NewGemini(client gemini.Client) Provider {
	return &geminiProvider{client: client}
}

func newGeminiFromConfig(cfg *config.Config) Provider {
	return NewGemini(gemini.NewClient(cfg.Gemini.Key,
		gemini.WithBaseURL(cfg.Gemini.BaseURL),
		gemini.WithModel(cfg.Gemini.Model),
		gemini.WithMaxRetries(cfg.Gemini.MaxRetries),
		gemini.WithHTTPClient(newHTTPClient(time.Duration(cfg.Gemini.TimeoutSecs)*time.Second)),
	))
}

func (p *geminiProvider) Name() string  { return "gemini" }
func (p *geminiProvider) Model() string { return p.client.Model() }

func (p *geminiProvider) Ask(ctx context.Context, call Call) (string, error) {
	docs := make([]gemini.Document, len(call.Attachments))
	for i, a := range call.Attachments {
		docs[i] = gemini.Document{MimeType: a.MediaType, Data: a.Data}
	}
	temp := 0.0
	resp, err := p.client.GenerateContent(ctx, gemini.Request{
		System:      call.System,
		Prompt:      call.Prompt,
		Documents:   docs,
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Package gemini is a small client for the Gemini generateContent REST API
// with inline document support.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-analyzer/internal/resilience"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
)

// ErrEmptyResponse is returned when the API answers without any text, for
// example because the prompt was blocked.
var ErrEmptyResponse = eris.New("gemini: empty response")

// Client generates content with a Gemini model.
type Client interface {
	GenerateContent(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Request is a single-turn generation request.
type Request struct {
	System          string
	Prompt          string
	Documents       []Document
	Temperature     *float64
	MaxOutputTokens int
}

// Document is sent inline ahead of the prompt text.
type Document struct {
	MimeType string
	Data     []byte
}

// Response carries the generated text and token usage.
type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens    int `json:"promptTokenCount"`
	CandidateTokens int `json:"candidatesTokenCount"`
	TotalTokens     int `json:"totalTokenCount"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL, including the version path.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *httpClient) {
		c.retry.MaxAttempts = n + 1
	}
}

// WithRetryPolicy replaces the retry policy wholesale.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	retry   resilience.Policy
}

// NewClient creates a Gemini API client. Transient failures are retried
// twice by default.
func NewClient(apiKey string, opts ...Option) Client {
	retry := resilience.DefaultPolicy()
	retry.MaxAttempts = 3
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: retry,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Model() string { return c.model }

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata Usage `json:"usageMetadata"`
}

func encodeRequest(req Request) ([]byte, error) {
	parts := make([]part, 0, len(req.Documents)+1)
	for _, d := range req.Documents {
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: d.MimeType,
			Data:     base64.StdEncoding.EncodeToString(d.Data),
		}})
	}
	parts = append(parts, part{Text: req.Prompt})

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
	}
	if req.System != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if req.Temperature != nil || req.MaxOutputTokens > 0 {
		body.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		}
	}
	return json.Marshal(body)
}

func (c *httpClient) GenerateContent(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeRequest(req)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: marshal request")
	}

	endpoint := c.baseURL + "/models/" + url.PathEscape(c.model) + ":generateContent"

	p := c.retry
	p.OnRetry = resilience.RetryLogger("gemini", "generate_content")
	raw, err := resilience.DoVal(ctx, p, func(ctx context.Context) ([]byte, error) {
		return c.post(ctx, endpoint, body)
	})
	if err != nil {
		return nil, err
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, eris.Wrap(err, "gemini: unmarshal response")
	}

	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback.BlockReason != "" {
			return nil, eris.Wrapf(ErrEmptyResponse, "blocked: %s", gr.PromptFeedback.BlockReason)
		}
		return nil, ErrEmptyResponse
	}

	var sb strings.Builder
	for _, pt := range gr.Candidates[0].Content.Parts {
		sb.WriteString(pt.Text)
	}
	return &Response{
		Text:         sb.String(),
		FinishReason: gr.Candidates[0].FinishReason,
		Usage:        gr.UsageMetadata,
	}, nil
}

func (c *httpClient) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("gemini: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}
	return respBody, nil
}

// Package anthropic answers customer questions with the Anthropic Messages
// API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/demo-copilot/pkg/collab/prompt"
	"github.com/vango-go/demo-copilot/pkg/core"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	APIVersion       = "2023-06-01"
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 1024
)

// Answerer implements core.QuestionAnswerer.
type Answerer struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

type Option func(*Answerer)

func WithBaseURL(u string) Option {
	return func(a *Answerer) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			a.baseURL = u
		}
	}
}

func WithModel(m string) Option {
	return func(a *Answerer) {
		if m = strings.TrimSpace(m); m != "" {
			a.model = m
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Answerer) {
		if c != nil {
			a.httpClient = c
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(a *Answerer) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

func New(apiKey string, opts ...Option) *Answerer {
	a := &Answerer{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		maxTokens:  DefaultMaxTokens,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ core.QuestionAnswerer = (*Answerer)(nil)

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Error is a failed Messages API call.
type Error struct {
	Status  int
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("anthropic: %d %s: %s", e.Status, e.Type, e.Message)
}

func (a *Answerer) Answer(ctx context.Context, question string, ac core.AnswerContext) (core.Answer, error) {
	if a.apiKey == "" {
		return core.Answer{}, errors.New("anthropic api key is required")
	}
	req := request{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    prompt.System(ac),
	}
	for _, m := range prompt.Conversation(ac, question) {
		req.Messages = append(req.Messages, message{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return core.Answer{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return core.Answer{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return core.Answer{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return core.Answer{}, parseError(resp)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return core.Answer{}, fmt.Errorf("decode response: %w", err)
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return core.Answer{}, errors.New("anthropic: empty answer")
	}
	return core.Answer{Text: answer, Confidence: prompt.DefaultConfidence}, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Type == "" {
		return &Error{Status: resp.StatusCode, Type: "provider_error", Message: strings.TrimSpace(string(body))}
	}
	env.Error.Status = resp.StatusCode
	return &env.Error
}

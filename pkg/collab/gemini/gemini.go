// Package gemini answers customer questions with Google's Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/demo-copilot/pkg/collab/prompt"
	"github.com/vango-go/demo-copilot/pkg/core"
)

const (
	DefaultModel     = "gemini-2.5-flash"
	DefaultMaxTokens = 1024
)

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// Answerer implements core.QuestionAnswerer.
type Answerer struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

var _ core.QuestionAnswerer = (*Answerer)(nil)

func New(ctx context.Context, cfg Config) (*Answerer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	a := &Answerer{client: client, model: cfg.Model, maxTokens: DefaultMaxTokens}
	if a.model == "" {
		a.model = DefaultModel
	}
	if cfg.MaxTokens > 0 {
		a.maxTokens = int32(cfg.MaxTokens)
	}
	return a, nil
}

func (a *Answerer) Answer(ctx context.Context, question string, ac core.AnswerContext) (core.Answer, error) {
	var contents []*genai.Content
	for _, m := range prompt.Conversation(ac, question) {
		role := genai.RoleUser
		if m.Role == prompt.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt.System(ac), genai.RoleUser),
		MaxOutputTokens:   a.maxTokens,
	})
	if err != nil {
		return core.Answer{}, fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return core.Answer{}, errors.New("gemini: empty answer")
	}
	return core.Answer{Text: text, Confidence: prompt.DefaultConfidence}, nil
}

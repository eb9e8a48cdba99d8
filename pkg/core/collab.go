package core

import (
	"context"
)

// BrowserDriver drives the single browser a session owns. Every call fails
// with an ActionFailed error when the browser rejects the action.
type BrowserDriver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Scroll(ctx context.Context, deltaY int) error

	// Screenshot returns an encoded image of the current viewport.
	Screenshot(ctx context.Context) ([]byte, error)
}

// VoiceSynthesizer turns narration text into a stream of audio chunks.
// Canceling ctx stops the utterance.
type VoiceSynthesizer interface {
	Speak(ctx context.Context, text, voiceID string) (AudioStream, error)
}

// AudioStream is a single utterance being synthesized.
type AudioStream interface {
	// Chunks is closed when the utterance ends or fails.
	Chunks() <-chan []byte
	// Err reports why Chunks was closed early, if it was.
	Err() error
	Close() error
}

// QuestionAnswerer composes an answer to a live customer question.
type QuestionAnswerer interface {
	Answer(ctx context.Context, question string, ac AnswerContext) (Answer, error)
}

type Answer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// AnswerContext is what an answerer knows about the demo at the moment a
// question is served.
type AnswerContext struct {
	Product         ProductFacts `json:"product"`
	Customer        CustomerInfo `json:"customer"`
	SectionName     string       `json:"section_name"`
	StepIndex       int          `json:"step_index"`
	TotalSteps      int          `json:"total_steps"`
	ProgressPercent float64      `json:"progress_percent"`
	History         []Turn       `json:"history,omitempty"`
}

// Turn is one answered question.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ProductFacts is the static knowledge about a product used when answering
// questions.
type ProductFacts struct {
	Name            string   `json:"name" yaml:"name"`
	Description     string   `json:"description" yaml:"description"`
	Features        []string `json:"features,omitempty" yaml:"features"`
	Pricing         string   `json:"pricing,omitempty" yaml:"pricing"`
	Differentiators []string `json:"differentiators,omitempty" yaml:"differentiators"`
	IdealCustomers  []string `json:"ideal_customers,omitempty" yaml:"ideal_customers"`
	Security        string   `json:"security,omitempty" yaml:"security"`
}

// CustomerInfo identifies who the demo is for.
type CustomerInfo struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Company  string `json:"company,omitempty"`
	Industry string `json:"industry,omitempty"`
}

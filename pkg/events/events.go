// Package events carries session lifecycle events from the orchestrator to
// any number of live subscribers.
package events

import (
	"time"
)

type Type string

const (
	TypeStateChange      Type = "state_change"
	TypeProgress         Type = "progress_update"
	TypeNarrationStarted Type = "narration_started"
	TypeStepCompleted    Type = "step_completed"
	TypeActionRetry      Type = "action_retry"
	TypeScreenshot       Type = "screenshot"
	TypeAudio            Type = "audio"
	TypeAnswer           Type = "answer"
	TypeQuestionQueued   Type = "question_queued"
	TypeSectionSkipped   Type = "section_skipped"
	TypeDemoCompleted    Type = "demo_completed"
	TypeError            Type = "error"
)

// Critical events are never dropped from a subscriber queue.
func (t Type) Critical() bool {
	return t == TypeStateChange || t == TypeDemoCompleted
}

// Bulky events are the first to go when a subscriber falls behind.
func (t Type) Bulky() bool {
	return t == TypeScreenshot || t == TypeAudio
}

// Event is immutable once published.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"sequence_number"`
}

type StateChange struct {
	State     string    `json:"state"`
	Previous  string    `json:"previous,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Progress struct {
	CurrentStepIndex int       `json:"current_step_index"`
	TotalSteps       int       `json:"total_steps"`
	SectionName      string    `json:"section_name"`
	Percent          float64   `json:"progress_percent"`
	Timestamp        time.Time `json:"timestamp"`
}

type NarrationStarted struct {
	StepIndex   int    `json:"step_index"`
	SectionName string `json:"section_name"`
	Text        string `json:"text"`
}

type StepCompleted struct {
	StepIndex   int    `json:"step_index"`
	SectionName string `json:"section_name"`
	DurationMs  int64  `json:"duration_ms"`
}

type ActionRetry struct {
	StepIndex int    `json:"step_index"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

type Screenshot struct {
	StepIndex  int       `json:"step_index"`
	BytesOrRef string    `json:"bytes_or_ref"`
	Timestamp  time.Time `json:"timestamp"`
}

// Audio chunks marshal as base64.
type Audio struct {
	StepIndex int    `json:"step_index"`
	Chunk     []byte `json:"chunk"`
}

type Answer struct {
	QuestionID     string    `json:"question_id"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

type QuestionQueued struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Position   int    `json:"position"`
}

type SectionSkipped struct {
	Section string `json:"section"`
	ToStep  int    `json:"to_step"`
}

type DemoCompleted struct {
	DurationSeconds float64 `json:"duration_seconds"`
	QuestionsAsked  int     `json:"questions_asked"`
	PausesCount     int     `json:"pauses_count"`
	Forced          bool    `json:"forced"`
}

type Error struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

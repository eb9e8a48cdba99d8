package session

import (
	"time"

	"github.com/vango-go/demo-copilot/pkg/arbiter"
	"github.com/vango-go/demo-copilot/pkg/core"
)

// Snapshot is a copy of session state taken under the session lock.
type Snapshot struct {
	ID               string            `json:"session_id"`
	Product          string            `json:"product,omitempty"`
	State            State             `json:"state"`
	CurrentStepIndex int               `json:"current_step_index"`
	TotalSteps       int               `json:"total_steps"`
	SectionName      string            `json:"section_name,omitempty"`
	ProgressPercent  float64           `json:"progress_percent"`
	Sections         []string          `json:"sections,omitempty"`
	QuestionsAsked   int               `json:"questions_asked"`
	PausesCount      int               `json:"pauses_count"`
	PendingQuestions int               `json:"pending_questions"`
	DurationSeconds  float64           `json:"duration_seconds"`
	Customer         core.CustomerInfo `json:"customer"`
	VoiceID          string            `json:"voice_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	LastActivity     time.Time         `json:"last_activity"`
	LastError        string            `json:"last_error,omitempty"`
	Questions        []arbiter.Record  `json:"questions,omitempty"`
}

// Status returns a snapshot including the question history.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.summaryLocked()
	s.Questions = append([]arbiter.Record(nil), o.history...)
	return s
}

// Summary is Status without the question history.
func (o *Orchestrator) Summary() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summaryLocked()
}

func (o *Orchestrator) summaryLocked() Snapshot {
	s := Snapshot{
		ID:               o.id,
		Product:          o.product,
		State:            o.state,
		CurrentStepIndex: o.currentStep,
		SectionName:      o.section,
		ProgressPercent:  o.progressLocked(),
		QuestionsAsked:   o.questionsAsked,
		PausesCount:      o.pausesCount,
		DurationSeconds:  o.durationLocked().Seconds(),
		Customer:         o.customer,
		VoiceID:          o.voiceID,
		CreatedAt:        o.createdAt,
		StartedAt:        timePtr(o.startedAt),
		CompletedAt:      timePtr(o.completedAt),
		LastActivity:     o.lastActivity,
	}
	if o.script != nil {
		s.TotalSteps = o.script.Len()
		s.Sections = o.script.Sections()
	}
	if o.arbiter != nil {
		s.PendingQuestions = o.arbiter.Pending()
	}
	if o.state == StateFailed && o.lastError != nil {
		s.LastError = o.lastError.Error()
	}
	return s
}

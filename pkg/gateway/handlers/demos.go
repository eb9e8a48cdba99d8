package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/demo-copilot/pkg/arbiter"
	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/config"
	"github.com/vango-go/demo-copilot/pkg/gateway/lifecycle"
	"github.com/vango-go/demo-copilot/pkg/registry"
	"github.com/vango-go/demo-copilot/pkg/session"
)

// Demos serves the REST surface for demo sessions.
type Demos struct {
	Config    config.Config
	Registry  *registry.Registry
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

type createDemoRequest struct {
	Product   string            `json:"product"`
	Customer  core.CustomerInfo `json:"customer"`
	VoiceID   string            `json:"voice_id,omitempty"`
	AutoStart *bool             `json:"auto_start,omitempty"`
}

type listDemosResponse struct {
	Sessions    []session.Snapshot `json:"sessions"`
	Active      int                `json:"active"`
	MaxSessions int                `json:"max_sessions"`
}

type controlRequest struct {
	Action  string `json:"action"`
	Section string `json:"section,omitempty"`
}

type questionRequest struct {
	Question string `json:"question"`
	Wait     bool   `json:"wait,omitempty"`
}

type questionResponse struct {
	QuestionID  string          `json:"question_id"`
	Question    string          `json:"question"`
	AskedAtStep int             `json:"asked_at_step_index"`
	Status      string          `json:"status"`
	Answer      *arbiter.Record `json:"answer,omitempty"`
}

func (h Demos) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h Demos) Create(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		writeError(w, r, core.Errorf(core.KindCapacityExceeded, "server is shutting down"))
		return
	}

	var req createDemoRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Product = strings.TrimSpace(req.Product)
	if req.Product == "" {
		writeError(w, r, &core.Error{Kind: core.KindInvalidRequest, Message: "product is required", Param: "product"})
		return
	}

	autoStart := h.Config.DefaultAutoStart
	if req.AutoStart != nil {
		autoStart = *req.AutoStart
	}
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = h.Config.DefaultVoice
	}

	o, err := h.Registry.Create(r.Context(), session.InitRequest{
		Product:   req.Product,
		Customer:  req.Customer,
		VoiceID:   voiceID,
		AutoStart: autoStart,
	})
	if err != nil {
		if o != nil {
			// the failed session stays queryable
			w.Header().Set("Location", "/v1/demos/"+o.ID())
		}
		h.logger().Warn("demo create failed", "product", req.Product, "request_id", requestID(r), "error", err)
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/demos/"+o.ID())
	writeJSON(w, http.StatusCreated, o.Status())
}

func (h Demos) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listDemosResponse{
		Sessions:    h.Registry.List(),
		Active:      h.Registry.Active(),
		MaxSessions: h.Config.MaxSessions,
	})
}

func (h Demos) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Status())
}

func (h Demos) Start(w http.ResponseWriter, r *http.Request) {
	o, err := h.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := o.Start(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Status())
}

func (h Demos) Control(w http.ResponseWriter, r *http.Request) {
	o, err := h.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req controlRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := applyControl(r.Context(), o, req, h.Config.StopGracePeriod); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Status())
}

// Ask queues a question. With wait set, the response holds until the answer
// has been narrated or the answer budget runs out, whichever comes first.
func (h Demos) Ask(w http.ResponseWriter, r *http.Request) {
	o, err := h.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req questionRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateQuestion(req.Question, h.Config.MaxQuestionBytes); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := o.AskQuestion(req.Question)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := questionResponse{
		QuestionID:  t.ID,
		Question:    t.Question,
		AskedAtStep: t.AskedAtStep,
		Status:      "queued",
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Config.AnswerTimeout+h.Config.SpeakTimeout)
	defer cancel()
	rec, err := t.Wait(ctx)
	switch {
	case err == nil:
		resp.Status = "answered"
		resp.Answer = &rec
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, context.DeadlineExceeded):
		// still queued or being narrated; the answer arrives on the event stream
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeError(w, r, err)
	}
}

// Delete stops a session and removes it from the registry.
func (h Demos) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := h.Registry.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Config.StopGracePeriod)
	defer cancel()
	if err := h.Registry.Remove(ctx, id); err != nil && !core.IsKind(err, core.KindSessionNotFound) {
		h.logger().Warn("demo stop did not finish in time", "session_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, o.Summary())
}

func validateQuestion(q string, maxBytes int) error {
	q = strings.TrimSpace(q)
	if q == "" {
		return &core.Error{Kind: core.KindInvalidRequest, Message: "question must not be empty", Param: "question"}
	}
	if maxBytes > 0 && len(q) > maxBytes {
		return &core.Error{Kind: core.KindInvalidRequest, Message: "question is too long", Param: "question"}
	}
	return nil
}

// applyControl maps a control verb onto the session. It is shared by the
// REST control endpoint and the WebSocket bridge.
func applyControl(ctx context.Context, o *session.Orchestrator, req controlRequest, stopGrace time.Duration) error {
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "start":
		return o.Start()
	case "pause":
		return o.Pause()
	case "resume":
		return o.Resume()
	case "skip":
		if strings.TrimSpace(req.Section) == "" {
			return &core.Error{Kind: core.KindInvalidRequest, Message: "section is required for skip", Param: "section"}
		}
		return o.Skip(req.Section)
	case "stop":
		if stopGrace > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, stopGrace)
			defer cancel()
		}
		return o.Stop(ctx)
	default:
		return &core.Error{Kind: core.KindInvalidRequest, Message: "unknown action " + req.Action, Param: "action"}
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/demo-copilot/pkg/gateway/lifecycle"
)

func decodeReady(t *testing.T, rr *httptest.ResponseRecorder) readyResp {
	t.Helper()
	var resp readyResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	e := newTestEnv(t)
	e.create(t, map[string]any{"product": "acme"})

	h := ReadyHandler{
		Lifecycle:   e.lifecycle,
		Registry:    e.reg,
		MaxSessions: 2,
		Checks: map[string]Check{
			"postgres": func(context.Context) error { return nil },
		},
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	if !resp.OK || resp.ActiveSessions != 1 || resp.MaxSessions != 2 || resp.Checks["postgres"] != "ok" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	rr := httptest.NewRecorder()
	ReadyHandler{Lifecycle: lc}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	if resp := decodeReady(t, rr); resp.OK || !resp.Draining {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestReadyHandler_FailingCheck(t *testing.T) {
	h := ReadyHandler{
		Lifecycle: &lifecycle.Lifecycle{},
		Checks: map[string]Check{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	resp := decodeReady(t, rr)
	if resp.OK || resp.Checks["redis"] != "connection refused" || resp.Checks["postgres"] != "ok" {
		t.Fatalf("resp=%+v", resp)
	}
	if len(resp.Issues) != 1 || resp.Issues[0] != "redis unavailable" {
		t.Fatalf("issues=%v", resp.Issues)
	}
}

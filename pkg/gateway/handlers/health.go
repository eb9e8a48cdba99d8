package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/vango-go/demo-copilot/pkg/gateway/lifecycle"
	"github.com/vango-go/demo-copilot/pkg/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Check probes one backing service, for example a database ping.
type Check func(ctx context.Context) error

type ReadyHandler struct {
	Lifecycle   *lifecycle.Lifecycle
	Registry    *registry.Registry
	MaxSessions int
	Checks      map[string]Check
	Timeout     time.Duration
}

type readyResp struct {
	OK             bool              `json:"ok"`
	Draining       bool              `json:"draining"`
	ActiveSessions int               `json:"active_sessions"`
	MaxSessions    int               `json:"max_sessions"`
	Checks         map[string]string `json:"checks,omitempty"`
	Issues         []string          `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := readyResp{
		Draining:    h.Lifecycle.IsDraining(),
		MaxSessions: h.MaxSessions,
	}
	if resp.Draining {
		resp.Issues = append(resp.Issues, "draining")
	}
	if h.Registry != nil {
		resp.ActiveSessions = h.Registry.Active()
	}

	if len(h.Checks) > 0 {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		names := make([]string, 0, len(h.Checks))
		for name := range h.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Checks = make(map[string]string, len(names))
		for _, name := range names {
			if err := h.Checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Issues = append(resp.Issues, name+" unavailable")
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	resp.OK = len(resp.Issues) == 0
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

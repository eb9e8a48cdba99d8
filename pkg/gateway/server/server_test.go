package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/demo-copilot/pkg/collab/scripted"
	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/config"
	"github.com/vango-go/demo-copilot/pkg/metrics"
	"github.com/vango-go/demo-copilot/pkg/registry"
	"github.com/vango-go/demo-copilot/pkg/script"
	"github.com/vango-go/demo-copilot/pkg/session"
)

func testServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	cfg := config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		CORSAllowedOrigins: map[string]struct{}{},
		MaxBodyBytes:       64 << 10,
		MaxQuestionBytes:   500,
		MaxSessions:        4,
		StopGracePeriod:    time.Second,
		AnswerTimeout:      time.Second,
		SpeakTimeout:       time.Second,
		DefaultVoice:       "Rachel",
		SSEPingInterval:    time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	catalog, err := script.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	reg := registry.New(session.Deps{
		Scripts:    catalog,
		NewBrowser: func() core.BrowserDriver { return scripted.NewBrowser(nil) },
		NewVoice:   func() core.VoiceSynthesizer { return scripted.NewVoice(nil) },
		Answerer:   &scripted.Answerer{},
		Logger:     logger,
	}, registry.Config{MaxSessions: cfg.MaxSessions, SweepInterval: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	return New(cfg, Deps{Registry: reg, Metrics: metrics.New("demo")}, logger)
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := testServer(t, nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"invalid_request_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}
}

func TestServer_Healthz(t *testing.T) {
	s := testServer(t, nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_DemosRoute_Reachable(t *testing.T) {
	s := testServer(t, nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/demos", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"max_sessions":4`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_RequiredAuth(t *testing.T) {
	s := testServer(t, func(c *config.Config) {
		c.AuthMode = config.AuthModeRequired
		c.APIKeys = map[string]struct{}{"sk_test": {}}
	})
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/demos", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key status=%d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/demos", nil)
	req.Header.Set("Authorization", "Bearer sk_test")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("with key status=%d body=%q", rr.Code, rr.Body.String())
	}

	// probes stay public
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_HistoryWithoutDatabase(t *testing.T) {
	s := testServer(t, nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_MetricsExposeRequests(t *testing.T) {
	s := testServer(t, nil)
	h := s.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/demos/abc", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `route="/v1/demos/{id}"`) {
		t.Fatalf("route label missing from metrics:\n%s", body)
	}
	if strings.Contains(body, "/v1/demos/abc") {
		t.Fatal("raw session id leaked into metric labels")
	}
}

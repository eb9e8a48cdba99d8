package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/demo-copilot/pkg/gateway/config"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, serverDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newService: func(context.Context, config.Config, *slog.Logger) (service, error) {
			t.Fatalf("newService should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_ReturnsNonZeroWhenServiceFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, serverDeps{
		loadConfig: func() (config.Config, error) { return config.Config{LogFormat: "text"}, nil },
		newService: func(context.Context, config.Config, *slog.Logger) (service, error) {
			return nil, errors.New("database unreachable")
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if exitCode != 1 || !strings.Contains(stderr.String(), "database unreachable") {
		t.Fatalf("exitCode=%d stderr=%q", exitCode, stderr.String())
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
	if srv.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout=%v would cut off event streams", srv.WriteTimeout)
	}
}

func TestNewLogger_LevelAndFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger(&buf, config.Config{LogLevel: "warn", LogFormat: "json"})
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at warn level")
	}
	logger.Warn("careful", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"msg":"careful"`) {
		t.Fatalf("output=%q", buf.String())
	}

	if !newLogger(io.Discard, config.Config{LogLevel: "debug"}).Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug not enabled")
	}
}

type fakeService struct {
	drained atomic.Bool
	closed  atomic.Bool
}

func (f *fakeService) Handler() http.Handler { return http.NotFoundHandler() }
func (f *fakeService) SetDraining()          { f.drained.Store(true) }
func (f *fakeService) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

func TestRunServer_DrainsAndClosesOnCancel(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runServer(ctx, io.Discard, serverDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{Addr: "127.0.0.1:0", ShutdownGracePeriod: time.Second}, nil
		},
		newService: func(context.Context, config.Config, *slog.Logger) (service, error) {
			return svc, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if err != nil {
		t.Fatalf("runServer: %v", err)
	}
	if !svc.drained.Load() || !svc.closed.Load() {
		t.Fatalf("drained=%v closed=%v", svc.drained.Load(), svc.closed.Load())
	}
}

func scriptedConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		CORSAllowedOrigins: map[string]struct{}{},
		MaxBodyBytes:       64 << 10,
		MaxQuestionBytes:   2000,
		MaxSessions:        2,
		IdleTimeout:        time.Minute,
		SweepInterval:      time.Minute,
		StopGracePeriod:    time.Second,
		ActionTimeout:      time.Second,
		SpeakTimeout:       time.Second,
		AnswerTimeout:      time.Second,
		HistoryTurns:       5,
		SubscriberQueue:    64,
		EventLogSize:       64,
		DefaultVoice:       "Rachel",
		Browser:            config.BrowserScripted,
		Voice:              config.VoiceScripted,
		Answerer:           config.AnswererScripted,
		SSEPingInterval:    time.Second,
		WSPingInterval:     time.Second,
		WSWriteTimeout:     time.Second,
		WSMaxMessageBytes:  4 << 10,
	}
}

func TestBuildApp_ScriptedStackServesDemos(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := buildApp(context.Background(), scriptedConfig(), logger)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/v1/demos", "application/json", strings.NewReader(`{"product":"insign","auto_start":false}`))
	if err != nil {
		t.Fatalf("POST /v1/demos error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}

	a.SetDraining()
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz while draining status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBuildApp_RejectsMissingScriptsDir(t *testing.T) {
	t.Parallel()

	cfg := scriptedConfig()
	cfg.ScriptsDir = t.TempDir() + "/missing"
	if _, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for missing scripts dir")
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/vango-go/demo-copilot/pkg/collab/anthropic"
	"github.com/vango-go/demo-copilot/pkg/collab/chrome"
	"github.com/vango-go/demo-copilot/pkg/collab/elevenlabs"
	"github.com/vango-go/demo-copilot/pkg/collab/gemini"
	"github.com/vango-go/demo-copilot/pkg/collab/scripted"
	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/config"
	"github.com/vango-go/demo-copilot/pkg/gateway/handlers"
	"github.com/vango-go/demo-copilot/pkg/gateway/lifecycle"
	gatewayserver "github.com/vango-go/demo-copilot/pkg/gateway/server"
	"github.com/vango-go/demo-copilot/pkg/metrics"
	"github.com/vango-go/demo-copilot/pkg/persist"
	"github.com/vango-go/demo-copilot/pkg/persist/postgres"
	"github.com/vango-go/demo-copilot/pkg/persist/redisstream"
	"github.com/vango-go/demo-copilot/pkg/registry"
	"github.com/vango-go/demo-copilot/pkg/resource"
	"github.com/vango-go/demo-copilot/pkg/screenshots"
	"github.com/vango-go/demo-copilot/pkg/script"
	"github.com/vango-go/demo-copilot/pkg/session"
)

// redisStreamMaxLen keeps the record stream from growing without bound.
const redisStreamMaxLen = 100_000

// app owns everything the process starts and must stop.
type app struct {
	lifecycle *lifecycle.Lifecycle
	registry  *registry.Registry
	recorder  *persist.Recorder
	gateway   *gatewayserver.Server
	closers   []func() error
}

func (a *app) Handler() http.Handler { return a.gateway.Handler() }

// SetDraining fails readiness and refuses new demos.
func (a *app) SetDraining() { a.lifecycle.SetDraining(true) }

// Close stops every session, flushes persistence and closes connections.
func (a *app) Close(ctx context.Context) error {
	var err error
	if a.registry != nil {
		err = multierr.Append(err, a.registry.Shutdown(ctx))
	}
	if a.recorder != nil {
		err = multierr.Append(err, a.recorder.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{lifecycle: &lifecycle.Lifecycle{}}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	catalog, err := script.NewCatalog()
	if err != nil {
		return nil, err
	}
	if err := catalog.LoadDir(cfg.ScriptsDir); err != nil {
		return nil, fmt.Errorf("load scripts: %w", err)
	}

	answerer, err := newAnswerer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	checks := make(map[string]handlers.Check)
	var sinks persist.Multi
	var history handlers.HistoryStore

	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store := postgres.New(db)
		sinks = append(sinks, store)
		history = store
		checks["postgres"] = pingDB(db)
		if cfg.HistoryRetention > 0 {
			a.closers = append(a.closers, startRetention(store, cfg, logger))
		}
	}
	if cfg.RedisURL != "" {
		client, err := redisstream.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		sinks = append(sinks, redisstream.New(client, cfg.RedisStream, redisStreamMaxLen))
		checks["redis"] = pingRedis(client)
	}
	if len(sinks) > 0 {
		a.recorder = persist.NewRecorder(sinks, persist.Options{Buffer: cfg.RecorderBuffer}, logger)
	}

	var shots screenshots.Store = screenshots.Inline{}
	if cfg.ScreenshotBucket != "" {
		s3, err := screenshots.NewS3(ctx, screenshots.S3Options{
			Bucket:    cfg.ScreenshotBucket,
			Prefix:    cfg.ScreenshotPrefix,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		shots = s3
	}

	m := metrics.New("demo_copilot")
	a.registry = registry.New(session.Deps{
		Scripts:     catalog,
		NewBrowser:  browserFactory(cfg, logger),
		NewVoice:    voiceFactory(cfg, logger),
		Answerer:    answerer,
		Screenshots: shots,
		Recorder:    a.recorder,
		Metrics:     m,
		Logger:      logger,
	}, registry.Config{
		MaxSessions:   cfg.MaxSessions,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Session: session.Config{
			Resource: resource.Config{
				ActionTimeout: cfg.ActionTimeout,
				SpeakTimeout:  cfg.SpeakTimeout,
			},
			AnswerTimeout:  cfg.AnswerTimeout,
			RetryBackoff:   cfg.RetryBackoff,
			StopGrace:      cfg.StopGracePeriod,
			HistoryTurns:   cfg.HistoryTurns,
			DefaultVoiceID: cfg.DefaultVoice,
			EventQueueSize: cfg.SubscriberQueue,
			EventLogSize:   cfg.EventLogSize,
		},
	})

	a.gateway = gatewayserver.New(cfg, gatewayserver.Deps{
		Registry:  a.registry,
		Lifecycle: a.lifecycle,
		Metrics:   m,
		History:   history,
		Checks:    checks,
	}, logger)

	logger.Info("demo copilot ready",
		"products", catalog.Products(),
		"browser", cfg.Browser,
		"voice", cfg.Voice,
		"answerer", cfg.Answerer,
		"persistence", len(sinks) > 0,
	)
	return a, nil
}

func newAnswerer(ctx context.Context, cfg config.Config) (core.QuestionAnswerer, error) {
	switch cfg.Answerer {
	case config.AnswererAnthropic:
		return anthropic.New(cfg.AnthropicAPIKey, anthropic.WithModel(cfg.AnthropicModel)), nil
	case config.AnswererGemini:
		return gemini.New(ctx, gemini.Config{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
	case config.AnswererScripted:
		return &scripted.Answerer{}, nil
	default:
		return nil, fmt.Errorf("unknown answerer %q", cfg.Answerer)
	}
}

func browserFactory(cfg config.Config, logger *slog.Logger) func() core.BrowserDriver {
	if cfg.Browser == config.BrowserScripted {
		return func() core.BrowserDriver { return scripted.NewBrowser(nil) }
	}
	chromeCfg := chrome.Config{
		RemoteURL: cfg.ChromeRemoteURL,
		Headless:  cfg.ChromeHeadless,
		Logger:    logger,
	}
	return func() core.BrowserDriver { return chrome.New(chromeCfg) }
}

func voiceFactory(cfg config.Config, logger *slog.Logger) func() core.VoiceSynthesizer {
	if cfg.Voice == config.VoiceScripted {
		return func() core.VoiceSynthesizer { return scripted.NewVoice(nil) }
	}
	opts := elevenlabs.Options{Model: cfg.ElevenLabsModel, Logger: logger}
	return func() core.VoiceSynthesizer { return elevenlabs.New(cfg.ElevenLabsAPIKey, opts) }
}

// startRetention purges expired history in the background; the returned
// func stops it.
func startRetention(store *postgres.Store, cfg config.Config, logger *slog.Logger) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.RunRetention(ctx, cfg.HistoryRetention, cfg.PurgeInterval, logger)
	}()
	return func() error {
		cancel()
		<-done
		return nil
	}
}

func pingDB(db *sql.DB) handlers.Check {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

func pingRedis(client *redis.Client) handlers.Check {
	return func(ctx context.Context) error { return client.Ping(ctx).Err() }
}

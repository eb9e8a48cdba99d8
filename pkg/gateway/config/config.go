package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

const (
	BrowserChrome   = "chrome"
	BrowserScripted = "scripted"

	VoiceElevenLabs = "elevenlabs"
	VoiceScripted   = "scripted"

	AnswererAnthropic = "anthropic"
	AnswererGemini    = "gemini"
	AnswererScripted  = "scripted"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes     int64
	MaxQuestionBytes int

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Sessions
	MaxSessions      int
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	StopGracePeriod  time.Duration
	ActionTimeout    time.Duration
	SpeakTimeout     time.Duration
	AnswerTimeout    time.Duration
	RetryBackoff     time.Duration
	HistoryTurns     int
	SubscriberQueue  int
	EventLogSize     int
	DefaultVoice     string
	ScriptsDir       string
	DefaultAutoStart bool

	// Collaborators
	Browser          string
	ChromeRemoteURL  string
	ChromeHeadless   bool
	Voice            string
	ElevenLabsAPIKey string
	ElevenLabsModel  string
	Answerer         string
	AnthropicAPIKey  string
	AnthropicModel   string
	GeminiAPIKey     string
	GeminiModel      string

	// Persistence
	DatabaseURL    string
	RedisURL       string
	RedisStream    string
	RecorderBuffer int
	// HistoryRetention of zero keeps history forever.
	HistoryRetention time.Duration
	PurgeInterval    time.Duration
	ScreenshotBucket string
	ScreenshotPrefix string
	S3Endpoint       string
	S3PathStyle      bool

	// Streams
	SSEPingInterval        time.Duration
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	WSMaxMessageBytes      int64
	MaxStreamsPerSession   int
	MaxStreamsPerPrincipal int

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("DEMO_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("DEMO_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("DEMO_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("DEMO_MAX_BODY_BYTES", 64<<10),
		MaxQuestionBytes:           envIntOr("DEMO_MAX_QUESTION_BYTES", 2000),
		CORSAllowedOrigins:         make(map[string]struct{}),
		MaxSessions:                envIntOr("DEMO_MAX_SESSIONS", 10),
		IdleTimeout:                envDurationOr("DEMO_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:              envDurationOr("DEMO_SWEEP_INTERVAL", time.Minute),
		StopGracePeriod:            envDurationOr("DEMO_STOP_GRACE_PERIOD", 10*time.Second),
		ActionTimeout:              envDurationOr("DEMO_ACTION_TIMEOUT", 30*time.Second),
		SpeakTimeout:               envDurationOr("DEMO_SPEAK_TIMEOUT", 60*time.Second),
		AnswerTimeout:              envDurationOr("DEMO_ANSWER_TIMEOUT", 20*time.Second),
		RetryBackoff:               envDurationOr("DEMO_RETRY_BACKOFF", time.Second),
		HistoryTurns:               envIntOr("DEMO_HISTORY_TURNS", 10),
		SubscriberQueue:            envIntOr("DEMO_SUBSCRIBER_QUEUE", 256),
		EventLogSize:               envIntOr("DEMO_EVENT_LOG_SIZE", 512),
		DefaultVoice:               envOr("DEMO_DEFAULT_VOICE", "Rachel"),
		ScriptsDir:                 envOr("DEMO_SCRIPTS_DIR", ""),
		DefaultAutoStart:           envBoolOr("DEMO_AUTO_START", true),
		Browser:                    strings.ToLower(envOr("DEMO_BROWSER", BrowserChrome)),
		ChromeRemoteURL:            envOr("DEMO_CHROME_REMOTE_URL", ""),
		ChromeHeadless:             envBoolOr("DEMO_CHROME_HEADLESS", true),
		Voice:                      strings.ToLower(envOr("DEMO_VOICE", VoiceElevenLabs)),
		ElevenLabsAPIKey:           envOr("ELEVENLABS_API_KEY", ""),
		ElevenLabsModel:            envOr("DEMO_ELEVENLABS_MODEL", ""),
		Answerer:                   strings.ToLower(envOr("DEMO_ANSWERER", AnswererAnthropic)),
		AnthropicAPIKey:            envOr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:             envOr("DEMO_ANTHROPIC_MODEL", ""),
		GeminiAPIKey:               envOr("GEMINI_API_KEY", ""),
		GeminiModel:                envOr("DEMO_GEMINI_MODEL", ""),
		DatabaseURL:                envOr("DEMO_DATABASE_URL", ""),
		RedisURL:                   envOr("DEMO_REDIS_URL", ""),
		RedisStream:                envOr("DEMO_REDIS_STREAM", ""),
		RecorderBuffer:             envIntOr("DEMO_RECORDER_BUFFER", 1024),
		HistoryRetention:           envDurationOr("DEMO_HISTORY_RETENTION", 0),
		PurgeInterval:              envDurationOr("DEMO_PURGE_INTERVAL", time.Hour),
		ScreenshotBucket:           envOr("DEMO_SCREENSHOT_BUCKET", ""),
		S3Endpoint:                 envOr("DEMO_S3_ENDPOINT", ""),
		S3PathStyle:                envBoolOr("DEMO_S3_PATH_STYLE", false),
		ScreenshotPrefix:           envOr("DEMO_SCREENSHOT_PREFIX", "screenshots"),
		SSEPingInterval:            envDurationOr("DEMO_SSE_PING_INTERVAL", 15*time.Second),
		WSPingInterval:             envDurationOr("DEMO_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:             envDurationOr("DEMO_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:          envInt64Or("DEMO_WS_MAX_MESSAGE_BYTES", 16<<10),
		MaxStreamsPerSession:       envIntOr("DEMO_MAX_STREAMS_PER_SESSION", 8),
		MaxStreamsPerPrincipal:     envIntOr("DEMO_MAX_STREAMS_PER_PRINCIPAL", 4),
		LimitRPS:                   envFloat64Or("DEMO_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("DEMO_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("DEMO_MAX_CONCURRENT_REQUESTS", 20),
		ReadHeaderTimeout:          envDurationOr("DEMO_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("DEMO_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("DEMO_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:                   strings.ToLower(envOr("DEMO_LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(envOr("DEMO_LOG_FORMAT", "text")),
	}

	for _, key := range splitCSV(os.Getenv("DEMO_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("DEMO_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return fmt.Errorf("DEMO_AUTH_MODE must be one of required|optional|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("DEMO_API_KEYS must be set when DEMO_AUTH_MODE=required")
	}

	switch cfg.Browser {
	case BrowserChrome, BrowserScripted:
	default:
		return fmt.Errorf("DEMO_BROWSER must be one of chrome|scripted")
	}
	switch cfg.Voice {
	case VoiceElevenLabs:
		if cfg.ElevenLabsAPIKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY must be set when DEMO_VOICE=elevenlabs")
		}
	case VoiceScripted:
	default:
		return fmt.Errorf("DEMO_VOICE must be one of elevenlabs|scripted")
	}
	switch cfg.Answerer {
	case AnswererAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY must be set when DEMO_ANSWERER=anthropic")
		}
	case AnswererGemini:
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY must be set when DEMO_ANSWERER=gemini")
		}
	case AnswererScripted:
	default:
		return fmt.Errorf("DEMO_ANSWERER must be one of anthropic|gemini|scripted")
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"DEMO_MAX_BODY_BYTES", cfg.MaxBodyBytes > 0},
		{"DEMO_MAX_QUESTION_BYTES", cfg.MaxQuestionBytes > 0},
		{"DEMO_MAX_SESSIONS", cfg.MaxSessions > 0},
		{"DEMO_IDLE_TIMEOUT", cfg.IdleTimeout > 0},
		{"DEMO_SWEEP_INTERVAL", cfg.SweepInterval > 0},
		{"DEMO_STOP_GRACE_PERIOD", cfg.StopGracePeriod > 0},
		{"DEMO_ACTION_TIMEOUT", cfg.ActionTimeout > 0},
		{"DEMO_SPEAK_TIMEOUT", cfg.SpeakTimeout > 0},
		{"DEMO_ANSWER_TIMEOUT", cfg.AnswerTimeout > 0},
		{"DEMO_HISTORY_TURNS", cfg.HistoryTurns > 0},
		{"DEMO_SUBSCRIBER_QUEUE", cfg.SubscriberQueue > 0},
		{"DEMO_EVENT_LOG_SIZE", cfg.EventLogSize > 0},
		{"DEMO_RECORDER_BUFFER", cfg.RecorderBuffer > 0},
		{"DEMO_PURGE_INTERVAL", cfg.PurgeInterval > 0},
		{"DEMO_SSE_PING_INTERVAL", cfg.SSEPingInterval > 0},
		{"DEMO_WS_PING_INTERVAL", cfg.WSPingInterval > 0},
		{"DEMO_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout > 0},
		{"DEMO_WS_MAX_MESSAGE_BYTES", cfg.WSMaxMessageBytes > 0},
		{"DEMO_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout > 0},
		{"DEMO_READ_TIMEOUT", cfg.ReadTimeout > 0},
		{"DEMO_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if cfg.HistoryRetention < 0 {
		return fmt.Errorf("DEMO_HISTORY_RETENTION must be >= 0")
	}
	if cfg.RetryBackoff < 0 {
		return fmt.Errorf("DEMO_RETRY_BACKOFF must be >= 0")
	}
	if cfg.LimitRPS < 0 {
		return fmt.Errorf("DEMO_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return fmt.Errorf("DEMO_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return fmt.Errorf("DEMO_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.MaxStreamsPerSession < 0 || cfg.MaxStreamsPerPrincipal < 0 {
		return fmt.Errorf("stream limits must be >= 0")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("DEMO_LOG_FORMAT must be one of text|json")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Package elevenlabs narrates demo steps through the ElevenLabs stream-input
// WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/demo-copilot/pkg/core"
)

const (
	DefaultWSBase       = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"
	DefaultModel        = "eleven_turbo_v2_5"
	DefaultOutputFormat = "mp3_44100_128"
	DefaultVoice        = "Rachel"
)

// Voices maps the voice names offered to demo hosts to ElevenLabs voice ids.
var Voices = map[string]string{
	"Rachel": "21m00Tcm4TlvDq8ikWAM",
	"Adam":   "pNInz6obpgDQGcFmaJgB",
	"Bella":  "EXAVITQu4vr4xnSDxMaL",
	"Antoni": "ErXwobaYiN019PkySvjV",
	"Elli":   "MF3mGyEYCl7XYWbV9V6O",
	"Josh":   "TxGEqnHWrfWFTfGW9XjX",
	"Arnold": "VR6AewLTigWG4xSOukaG",
	"Domi":   "AZnzlk1XvdvUeBnXmlld",
	"Sam":    "yoZ06aMxZJJ28mfd3POQ",
}

// ResolveVoice turns a voice name into its id. Unknown values are assumed to
// already be ids.
func ResolveVoice(nameOrID string) string {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		nameOrID = DefaultVoice
	}
	if id, ok := Voices[nameOrID]; ok {
		return id
	}
	return nameOrID
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

var DefaultVoiceSettings = VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75, UseSpeakerBoost: true}

type Options struct {
	WSBaseURL    string
	Model        string
	OutputFormat string
	Settings     *VoiceSettings
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// Synthesizer implements core.VoiceSynthesizer. Each Speak opens its own
// connection, so one Synthesizer may serve a single session safely.
type Synthesizer struct {
	apiKey string
	opts   Options
	logger *slog.Logger
}

func New(apiKey string, opts Options) *Synthesizer {
	if strings.TrimSpace(opts.WSBaseURL) == "" {
		opts.WSBaseURL = DefaultWSBase
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = DefaultOutputFormat
	}
	if opts.Settings == nil {
		s := DefaultVoiceSettings
		opts.Settings = &s
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{apiKey: strings.TrimSpace(apiKey), opts: opts, logger: logger}
}

var _ core.VoiceSynthesizer = (*Synthesizer)(nil)

// Speak streams the utterance. The connection is closed when ctx is canceled,
// the stream is closed, or the server reports the final chunk.
func (s *Synthesizer) Speak(ctx context.Context, text, voice string) (core.AudioStream, error) {
	if s.apiKey == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	voiceID := ResolveVoice(voice)
	wsURL, err := s.streamURL(voiceID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", s.apiKey)
	conn, resp, err := s.opts.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("elevenlabs dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("elevenlabs dial: %w", err)
	}

	// initial message opens the stream, the second carries the text and the
	// empty third one ends input
	msgs := []map[string]any{
		{"text": " ", "voice_settings": s.opts.Settings},
		{"text": withTrailingSpace(text), "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range msgs {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		if err := conn.WriteJSON(m); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("elevenlabs send: %w", err)
		}
	}

	st := &stream{conn: conn, chunks: make(chan []byte, 32), done: make(chan struct{})}
	stop := context.AfterFunc(ctx, func() {
		st.setErr(ctx.Err())
		_ = st.Close()
	})
	go func() {
		defer stop()
		defer close(st.chunks)
		st.read(s.logger)
	}()
	return st, nil
}

func (s *Synthesizer) streamURL(voiceID string) (string, error) {
	base := strings.ReplaceAll(s.opts.WSBaseURL, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", s.opts.Model)
	}
	if q.Get("output_format") == "" {
		q.Set("output_format", s.opts.OutputFormat)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func withTrailingSpace(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasSuffix(text, " ") {
		return text
	}
	return text + " "
}

type message struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type stream struct {
	conn   *websocket.Conn
	chunks chan []byte

	mu   sync.Mutex
	err  error
	once sync.Once
	done chan struct{}
}

func (st *stream) read(logger *slog.Logger) {
	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			select {
			case <-st.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					st.setErr(fmt.Errorf("elevenlabs read: %w", err))
				}
			}
			_ = st.Close()
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("skipping malformed elevenlabs frame", "error", err)
			continue
		}
		if msg.Error != "" {
			st.setErr(fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message))
			_ = st.Close()
			return
		}
		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err == nil && len(audio) > 0 {
				select {
				case st.chunks <- audio:
				case <-st.done:
					return
				}
			}
		}
		if msg.IsFinal {
			_ = st.Close()
			return
		}
	}
}

func (st *stream) Chunks() <-chan []byte { return st.chunks }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *stream) setErr(err error) {
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	st.mu.Unlock()
}

func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		err = st.conn.Close()
	})
	return err
}

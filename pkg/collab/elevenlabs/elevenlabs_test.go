package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu       sync.Mutex
	path     string
	query    map[string]string
	apiKey   string
	received []map[string]any

	frames []map[string]any
	hold   bool
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close() //nolint:errcheck // test server

		f.mu.Lock()
		f.path = r.URL.Path
		f.apiKey = r.Header.Get("xi-api-key")
		f.query = map[string]string{
			"model_id":      r.URL.Query().Get("model_id"),
			"output_format": r.URL.Query().Get("output_format"),
		}
		f.mu.Unlock()

		for range 3 {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
		for _, frame := range f.frames {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
		if f.hold {
			_, _, _ = conn.ReadMessage()
		}
	})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/text-to-speech/{voice_id}/stream-input"
}

func audioFrame(b string) map[string]any {
	return map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte(b))}
}

func TestSpeak_StreamsAudioUntilFinal(t *testing.T) {
	fake := &fakeServer{frames: []map[string]any{
		audioFrame("abc"),
		{"audio": nil, "alignment": map[string]any{}},
		audioFrame("def"),
		{"isFinal": true},
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	synth := New("test-key", Options{WSBaseURL: wsURL(srv)})
	st, err := synth.Speak(context.Background(), "Welcome to InSign", "Rachel")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck // test

	var got []string
	for c := range st.Chunks() {
		got = append(got, string(c))
	}
	require.NoError(t, st.Err())
	assert.Equal(t, []string{"abc", "def"}, got)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "/v1/text-to-speech/21m00Tcm4TlvDq8ikWAM/stream-input", fake.path)
	assert.Equal(t, "test-key", fake.apiKey)
	assert.Equal(t, DefaultModel, fake.query["model_id"])
	assert.Equal(t, DefaultOutputFormat, fake.query["output_format"])
	require.Len(t, fake.received, 3)
	assert.Contains(t, fake.received[0], "voice_settings")
	assert.Equal(t, "Welcome to InSign ", fake.received[1]["text"])
	assert.Equal(t, "", fake.received[2]["text"])
}

func TestSpeak_ServerError(t *testing.T) {
	fake := &fakeServer{frames: []map[string]any{{"error": "quota_exceeded", "message": "out of characters"}}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	st, err := New("k", Options{WSBaseURL: wsURL(srv)}).Speak(context.Background(), "hi", "")
	require.NoError(t, err)
	for range st.Chunks() {
	}
	require.Error(t, st.Err())
	assert.Contains(t, st.Err().Error(), "quota_exceeded")
}

func TestSpeak_CancelStopsUtterance(t *testing.T) {
	fake := &fakeServer{frames: []map[string]any{audioFrame("first")}, hold: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	st, err := New("k", Options{WSBaseURL: wsURL(srv)}).Speak(ctx, "a long sentence", "Adam")
	require.NoError(t, err)

	first := <-st.Chunks()
	assert.Equal(t, "first", string(first))
	cancel()

	select {
	case _, ok := <-st.Chunks():
		for ok {
			_, ok = <-st.Chunks()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
	assert.ErrorIs(t, st.Err(), context.Canceled)
}

func TestSpeak_RequiresAPIKey(t *testing.T) {
	_, err := New("  ", Options{}).Speak(context.Background(), "hi", "Rachel")
	assert.Error(t, err)
}

func TestResolveVoice(t *testing.T) {
	assert.Equal(t, "21m00Tcm4TlvDq8ikWAM", ResolveVoice(""))
	assert.Equal(t, "pNInz6obpgDQGcFmaJgB", ResolveVoice("Adam"))
	assert.Equal(t, "custom-voice-id", ResolveVoice("custom-voice-id"))
}

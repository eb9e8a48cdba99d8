package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/demo-copilot/pkg/gateway/config"
)

type wsFrame struct {
	Type   string          `json:"type"`
	State  string          `json:"state"`
	Seq    uint64          `json:"sequence_number"`
	Status json.RawMessage `json:"status"`
	Error  *struct {
		Type string `json:"type"`
	} `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/demos/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (wsFrame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f wsFrame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f, nil
}

// readUntil reads frames until match returns true or the connection fails.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsFrame) bool) wsFrame {
	t.Helper()
	for {
		f, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func TestStreams_WebSocketBridge(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	s := e.create(t, map[string]any{"product": "acme"})
	conn := dialWS(t, srv, s.ID)

	first, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if first.Type != "status" || len(first.Status) == 0 {
		t.Fatalf("first frame=%+v", first)
	}

	send := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(wsInbound{Type: "ping"})
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "pong" })

	send(wsInbound{Type: "control", Action: "pause"})
	f := readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" })
	if f.Error == nil || f.Error.Type != "invalid_transition" {
		t.Fatalf("pause before start frame=%+v", f)
	}

	send(wsInbound{Type: "control", Action: "start"})
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "control_ack" })
	readUntil(t, conn, func(f wsFrame) bool {
		return f.Type == "state_change" && strings.Contains(string(f.Payload), `"running"`)
	})

	send(wsInbound{Type: "question", Text: "What does it cost?"})
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "question_accepted" })
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "answer" })

	send(wsInbound{Type: "telepathy"})
	f = readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" })
	if f.Error == nil || f.Error.Type != "invalid_request_error" {
		t.Fatalf("unknown type frame=%+v", f)
	}

	send(wsInbound{Type: "control", Action: "stop"})
	for {
		_, err := readFrame(t, conn)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
			t.Fatalf("expected normal close, got %v", err)
		}
		break
	}
}

func TestStreams_WebSocketUnknownSession(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/demos/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp=%v", resp)
	}
}

func TestStreams_WebSocketRejectsForeignOrigin(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.CORSAllowedOrigins = map[string]struct{}{"https://app.example.com": {}}
	})
	srv := httptest.NewServer(e.mux)
	defer srv.Close()
	s := e.create(t, map[string]any{"product": "acme"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/demos/" + s.ID + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v", resp)
	}
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, sc *bufio.Scanner) (sseEvent, bool) {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.event != "" {
				return ev, true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return ev, false
}

func openSSE(t *testing.T, ctx context.Context, srv *httptest.Server, id string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/demos/"+id+"/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStreams_SSEFollowsSessionToEnd(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()
	s := e.create(t, map[string]any{"product": "acme"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := openSSE(t, ctx, srv, s.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)

	ev, ok := readSSE(t, sc)
	if !ok || ev.event != "status" {
		t.Fatalf("first event=%+v", ev)
	}

	if rr := e.do(t, http.MethodPost, "/v1/demos/"+s.ID+"/start", nil); rr.Code != http.StatusOK {
		t.Fatalf("start status=%d", rr.Code)
	}
	for {
		ev, ok = readSSE(t, sc)
		if !ok {
			t.Fatal("stream ended before state_change")
		}
		if ev.event == "state_change" {
			break
		}
	}
	if ev.id == "" {
		t.Fatal("state_change carries no id")
	}

	if rr := e.do(t, http.MethodDelete, "/v1/demos/"+s.ID, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rr.Code)
	}
	for {
		ev, ok = readSSE(t, sc)
		if !ok {
			t.Fatal("stream ended without end event")
		}
		if ev.event == "end" {
			break
		}
	}
	if !strings.Contains(ev.data, `"completed"`) {
		t.Fatalf("end data=%q", ev.data)
	}
}

func TestStreams_SSEResumesFromLastEventID(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()
	s := e.create(t, map[string]any{"product": "acme", "auto_start": true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := openSSE(t, ctx, srv, s.ID, http.Header{"Last-Event-Id": {"1"}})
	sc := bufio.NewScanner(resp.Body)

	ev, ok := readSSE(t, sc)
	if !ok {
		t.Fatal("no event")
	}
	if ev.id != "2" {
		t.Fatalf("first replayed id=%q event=%q, want 2", ev.id, ev.event)
	}
}

func TestStreams_PerSessionStreamLimit(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()
	s := e.create(t, map[string]any{"product": "acme"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		resp := openSSE(t, ctx, srv, s.ID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("stream %d status=%d", i, resp.StatusCode)
		}
		// headers arrive with the first flushed event
		if _, ok := readSSE(t, bufio.NewScanner(resp.Body)); !ok {
			t.Fatalf("stream %d sent nothing", i)
		}
	}

	resp := openSSE(t, ctx, srv, s.ID, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third stream status=%d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

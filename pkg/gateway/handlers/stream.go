package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/events"
	"github.com/vango-go/demo-copilot/pkg/gateway/apierror"
	"github.com/vango-go/demo-copilot/pkg/gateway/config"
	"github.com/vango-go/demo-copilot/pkg/gateway/mw"
	"github.com/vango-go/demo-copilot/pkg/gateway/ratelimit"
	"github.com/vango-go/demo-copilot/pkg/gateway/sse"
	"github.com/vango-go/demo-copilot/pkg/metrics"
	"github.com/vango-go/demo-copilot/pkg/registry"
	"github.com/vango-go/demo-copilot/pkg/session"
)

// Streams bridges a session's event bus to live connections.
type Streams struct {
	Config   config.Config
	Registry *registry.Registry
	// Principals bounds concurrent streams per caller, Sessions per demo.
	Principals *ratelimit.Limiter
	Sessions   *ratelimit.Limiter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// statusFrame opens every stream so clients start from a consistent view.
type statusFrame struct {
	Type   string           `json:"type"`
	Status session.Snapshot `json:"status"`
}

type wsInbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Action  string `json:"action,omitempty"`
	Section string `json:"section,omitempty"`
}

type wsReply struct {
	Type       string        `json:"type"`
	QuestionID string        `json:"question_id,omitempty"`
	Action     string        `json:"action,omitempty"`
	State      session.State `json:"state,omitempty"`
	Error      *core.Error   `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (h Streams) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// acquire takes a stream slot for the caller and for the session.
func (h Streams) acquire(r *http.Request, sessionID string) (func(), error) {
	now := time.Now()
	deny := func(retryAfter int, msg string) error {
		h.Metrics.RecordRateLimitHit("stream")
		return &core.Error{Kind: core.KindRateLimit, Message: msg, RetryAfter: &retryAfter}
	}

	var releases []func()
	if h.Principals != nil {
		dec := h.Principals.AcquireStream(mw.PrincipalKey(r, h.Config), now)
		if !dec.Allowed {
			return nil, deny(dec.RetryAfter, "too many open streams for this caller")
		}
		releases = append(releases, dec.Permit.Release)
	}
	if h.Sessions != nil {
		dec := h.Sessions.AcquireStream(ratelimit.SessionKey(sessionID), now)
		if !dec.Allowed {
			for _, rel := range releases {
				rel()
			}
			return nil, deny(dec.RetryAfter, "too many open streams for this session")
		}
		releases = append(releases, dec.Permit.Release)
	}
	return func() {
		for _, rel := range releases {
			rel()
		}
	}, nil
}

func (h Streams) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// WebSocket streams events as JSON text frames and accepts ping, question and
// control messages from the client.
func (h Streams) WebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := h.Registry.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, r, &core.Error{Kind: core.KindAuthentication, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	release, err := h.acquire(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer release()

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger().With("session_id", id, "request_id", requestID(r))
	ws := &wsConn{conn: conn, writeTimeout: h.Config.WSWriteTimeout}
	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	sub := o.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := ws.writeJSON(statusFrame{Type: "status", Status: o.Status()}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, o, logger)
	}()
	go ws.pingLoop(ctx, h.Config.WSPingInterval)

	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			ws.close(websocket.CloseNormalClosure, "session ended")
			return
		}
		if err != nil {
			return
		}
		if err := ws.writeJSON(ev); err != nil {
			logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (h Streams) readLoop(ctx context.Context, ws *wsConn, o *session.Orchestrator, logger *slog.Logger) {
	pongWait := 2*h.Config.WSPingInterval + h.Config.WSWriteTimeout
	if pongWait > 0 {
		_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		ws.conn.SetPongHandler(func(string) error {
			return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		mt, data, err := ws.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if pongWait > 0 {
			_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		if mt != websocket.TextMessage {
			ws.replyError(core.Errorf(core.KindInvalidRequest, "only text frames are accepted"))
			continue
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.replyError(core.Errorf(core.KindInvalidRequest, "invalid JSON message"))
			continue
		}
		h.handleInbound(ctx, ws, o, msg)
	}
}

func (h Streams) handleInbound(ctx context.Context, ws *wsConn, o *session.Orchestrator, msg wsInbound) {
	switch msg.Type {
	case "ping":
		_ = ws.writeJSON(wsReply{Type: "pong", Timestamp: time.Now().UTC()})
	case "question":
		if err := validateQuestion(msg.Text, h.Config.MaxQuestionBytes); err != nil {
			ws.replyError(err)
			return
		}
		t, err := o.AskQuestion(msg.Text)
		if err != nil {
			ws.replyError(err)
			return
		}
		_ = ws.writeJSON(wsReply{Type: "question_accepted", QuestionID: t.ID, Timestamp: time.Now().UTC()})
	case "control":
		if err := applyControl(ctx, o, controlRequest{Action: msg.Action, Section: msg.Section}, h.Config.StopGracePeriod); err != nil {
			ws.replyError(err)
			return
		}
		_ = ws.writeJSON(wsReply{Type: "control_ack", Action: msg.Action, State: o.State(), Timestamp: time.Now().UTC()})
	default:
		ws.replyError(core.Errorf(core.KindInvalidRequest, "unknown message type %q", msg.Type))
	}
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(c.deadline())
	return c.conn.WriteJSON(v)
}

func (c *wsConn) replyError(err error) {
	ce, _ := apierror.FromError(err, "")
	_ = c.writeJSON(wsReply{Type: "error", Error: ce, Timestamp: time.Now().UTC()})
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), c.deadline())
}

func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), c.deadline())
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Events streams the session as server-sent events. Clients reconnecting
// with Last-Event-ID get the missed events still held in the recent log.
func (h Streams) Events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := h.Registry.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	release, err := h.acquire(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer release()

	sw, err := sse.New(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sub := o.Subscribe()
	defer sub.Close()
	ctx := r.Context()

	lastID := lastEventID(r)
	var replayed uint64
	if lastID > 0 {
		for _, ev := range o.Recent() {
			if ev.Seq <= lastID {
				continue
			}
			if err := sendEvent(sw, ev); err != nil {
				return
			}
			replayed = ev.Seq
		}
	} else if err := sw.Send("status", o.Status()); err != nil {
		return
	}

	ping := h.Config.SSEPingInterval
	if ping <= 0 {
		ping = 15 * time.Second
	}
	for {
		nextCtx, cancel := context.WithTimeout(ctx, ping)
		ev, err := sub.Next(nextCtx)
		cancel()
		switch {
		case err == nil:
			if ev.Seq <= replayed {
				continue
			}
			if err := sendEvent(sw, ev); err != nil {
				return
			}
		case errors.Is(err, io.EOF):
			_ = sw.Send("end", map[string]any{"session_id": id, "state": o.State()})
			return
		case ctx.Err() != nil:
			return
		default:
			if err := sw.Ping(); err != nil {
				return
			}
		}
	}
}

func sendEvent(sw *sse.Writer, ev events.Event) error {
	return sw.SendID(strconv.FormatUint(ev.Seq, 10), string(ev.Type), ev)
}

func lastEventID(r *http.Request) uint64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

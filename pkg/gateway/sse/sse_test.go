package sse

import (
	"net/http/httptest"
	"testing"
)

func TestWriter_SendAndPing(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := New(rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sw.SendID("7", "state_change", map[string]string{"state": "running"}); err != nil {
		t.Fatalf("SendID: %v", err)
	}
	if err := sw.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := sw.Send("error", map[string]string{"message": "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := "id: 7\nevent: state_change\ndata: {\"state\":\"running\"}\n\n" +
		": ping\n\n" +
		"event: error\ndata: {\"message\":\"x\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body=%q\nwant=%q", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}
	if !rec.Flushed {
		t.Fatal("not flushed")
	}
}

func TestWriter_RejectsMarshalError(t *testing.T) {
	sw, _ := New(httptest.NewRecorder())
	if err := sw.Send("bad", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

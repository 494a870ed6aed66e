package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "session not found")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"session not found"}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var payload struct {
		Message string `json:"message"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi","priority":"x"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &payload); err == nil {
		t.Fatal("expected unknown field error")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &payload); err != nil {
		t.Fatalf("DecodeJSON err: %v", err)
	}
	if payload.Message != "hi" {
		t.Fatalf("unexpected message %q", payload.Message)
	}
}

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)
	SendSSEEvent(rec, rec, "reply", map[string]string{"final_message": "hello"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	want := "event: reply\ndata: {\"final_message\":\"hello\"}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected frame %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
}

package stream

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/service/support/supporttest"
)

func eventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStreamEmitsStagesThenReply(t *testing.T) {
	svc, _ := supporttest.New(t, supporttest.Proceeding("It ships tomorrow."))
	session, err := svc.StartSession(t.Context(), supporttest.Customer)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}

	r := chi.NewRouter()
	New(svc, zerolog.Nop()).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/stream/"+session.ID+"?message="+url.QueryEscape("When does it ship?"), nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	names := eventNames(resp.Body.String())
	if len(names) != 9 || names[0] != "start" || names[len(names)-1] != "reply" {
		t.Fatalf("unexpected events %v", names)
	}
	if !strings.Contains(resp.Body.String(), `"final_message":"It ships tomorrow."`) {
		t.Fatalf("reply missing from stream: %s", resp.Body.String())
	}
}

func TestStreamEscalatedSessionHasNullReply(t *testing.T) {
	svc, _ := supporttest.New(t, supporttest.Escalating("fraud suspicion"))
	session, err := svc.StartSession(t.Context(), supporttest.Customer)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}
	if _, err := svc.Reply(t.Context(), session.ID, "someone used my card", nil); err != nil {
		t.Fatalf("Reply err: %v", err)
	}

	r := chi.NewRouter()
	New(svc, zerolog.Nop()).RegisterRoutes(r)
	req := httptest.NewRequest(http.MethodGet, "/stream/"+session.ID+"?message=hello", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	names := eventNames(resp.Body.String())
	if len(names) != 2 || names[1] != "reply" {
		t.Fatalf("unexpected events %v", names)
	}
	if !strings.Contains(resp.Body.String(), `"final_message":null`) {
		t.Fatalf("expected null final_message: %s", resp.Body.String())
	}
}

func TestStreamErrors(t *testing.T) {
	svc, _ := supporttest.New(t, supporttest.Proceeding("hi"))
	r := chi.NewRouter()
	New(svc, zerolog.Nop()).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/stream/abc", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without message, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stream/missing?message=hi", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	names := eventNames(resp.Body.String())
	if len(names) != 2 || names[1] != "error" || !strings.Contains(resp.Body.String(), "session not found") {
		t.Fatalf("expected error event, got %s", resp.Body.String())
	}
}

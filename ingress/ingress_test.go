package ingress

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/clarketm/gatekeeper/config"
	"github.com/clarketm/gatekeeper/dispatch"
)

type fakeAdapter struct {
	events []Event
	err    error
}

func (f fakeAdapter) Parse(r *http.Request, body []byte) ([]Event, error) {
	return f.events, f.err
}

func newTestAgent(t *testing.T, webhookSecret string) *config.Agent {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeeper.yaml")
	body := "repository_owner: acme\nrepository_slug: widget\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if webhookSecret != "" {
		t.Setenv("GATEKEEPER_WEBHOOK_SECRET", webhookSecret)
	}
	agent, err := config.NewAgent(path, nil)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return agent
}

func noopFactory() JobFactory {
	return JobFactory{
		PullRequestJob: func(prID int) dispatch.Job {
			return dispatch.PullRequestJob{PRID: prID, Fn: func(context.Context, int) error { return nil }}
		},
		CommitJob: func(sha string) dispatch.Job {
			return dispatch.CommitJob{SHA: sha, Fn: func(context.Context, string) error { return nil }}
		},
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	agent := newTestAgent(t, "topsecret")
	disp := dispatch.New(nil)
	srv := New(agent, disp, noopFactory(), nil, nil)
	srv.RegisterHost("github", fakeAdapter{})

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", rr.Code)
	}
}

func TestWebhookRoutesConfiguredRepositoryEvent(t *testing.T) {
	agent := newTestAgent(t, "")
	disp := dispatch.New(nil)
	srv := New(agent, disp, noopFactory(), nil, nil)
	srv.RegisterHost("github", fakeAdapter{events: []Event{
		{Owner: "acme", Slug: "widget", Kind: PREvent, PRID: 42},
	}})

	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWebhookRejectsUnconfiguredRepository(t *testing.T) {
	agent := newTestAgent(t, "")
	disp := dispatch.New(nil)
	srv := New(agent, disp, noopFactory(), nil, nil)
	srv.RegisterHost("github", fakeAdapter{events: []Event{
		{Owner: "someone-else", Slug: "other", Kind: PREvent, PRID: 1},
	}})

	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected the unconfigured-repository event to be rejected, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	agent := newTestAgent(t, "")
	disp := dispatch.New(nil)
	srv := New(agent, disp, JobFactory{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rr.Code)
	}
}

func TestStatusReportsQueueDepth(t *testing.T) {
	agent := newTestAgent(t, "")
	disp := dispatch.New(nil)
	srv := New(agent, disp, JobFactory{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /status, got %d", rr.Code)
	}
}

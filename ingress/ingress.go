// Package ingress is the webhook HTTP front door (spec.md §6): one route
// per host, HMAC-validated, filtering events down to the configured
// (owner, slug) before handing them to the dispatcher as jobs.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/config"
	"github.com/clarketm/gatekeeper/dispatch"
	"github.com/clarketm/gatekeeper/metrics"
)

// Event is the host-agnostic shape ingress normalizes webhook bodies into
// before routing to a job. Concrete host adapters (github, bitbucket) know
// how to parse their provider's JSON into this shape.
type Event struct {
	Owner, Slug string
	Kind        EventKind
	PRID        int
	SHA         string
	BuildState  string // only set for Kind == StatusEvent
}

// EventKind classifies a normalized webhook event (spec.md §6 "Events
// consumed").
type EventKind int

const (
	PREvent EventKind = iota
	CommentEvent
	ReviewEvent
	StatusEvent
	CheckSuiteEvent
	PRClosedEvent
)

// Adapter parses one host's raw webhook body into zero or more Events.
type Adapter interface {
	Parse(r *http.Request, body []byte) ([]Event, error)
}

// JobFactory builds the dispatcher Job that re-evaluates a PR or commit,
// bound to whatever gate/cascade/queue wiring the caller constructed —
// ingress only knows how to recognize and route events, not how to act on
// them.
type JobFactory struct {
	PullRequestJob func(prID int) dispatch.Job
	CommitJob      func(sha string) dispatch.Job
}

// Server wires gorilla/mux routes for each configured host adapter.
type Server struct {
	router  *mux.Router
	agent   *config.Agent
	disp    *dispatch.Dispatcher
	jobs    JobFactory
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// New builds a Server with /healthz and /status always registered; call
// RegisterHost once per enabled host adapter.
func New(agent *config.Agent, disp *dispatch.Dispatcher, jobs JobFactory, m *metrics.Metrics, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{router: mux.NewRouter(), agent: agent, disp: disp, jobs: jobs, metrics: m, logger: logger.WithField("component", "ingress")}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// Handler returns the http.Handler to mount.
func (s *Server) Handler() http.Handler { return s.router }

// RegisterHost mounts POST /<name> for adapter, validated against
// webhookSecret via HMAC-SHA256 (the convention GitHub/Bitbucket both use
// for their `X-Hub-Signature-256`-style headers).
func (s *Server) RegisterHost(name string, adapter Adapter) {
	s.router.HandleFunc("/"+name, s.handleWebhook(name, adapter)).Methods(http.MethodPost)
}

func (s *Server) handleWebhook(name string, adapter Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := s.agent.Config()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusInternalServerError)
			return
		}

		if settings.WebhookSecret != "" && !validSignature(settings.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		events, err := adapter.Parse(r, body)
		if err != nil {
			s.logger.WithError(err).WithField("host", name).Error("failed to parse webhook body")
			http.Error(w, "bad payload", http.StatusInternalServerError)
			return
		}

		for _, ev := range events {
			if ev.Owner != settings.RepositoryOwner || ev.Slug != settings.RepositorySlug {
				s.logger.WithFields(logrus.Fields{"owner": ev.Owner, "slug": ev.Slug}).
					Warn("webhook event for an unconfigured repository")
				http.Error(w, "repository not configured", http.StatusInternalServerError)
				return
			}
			if s.metrics != nil {
				s.metrics.WebhookCounter.WithLabelValues(name, kindLabel(ev.Kind)).Inc()
			}
			s.route(ev)
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) route(ev Event) {
	switch ev.Kind {
	case PRClosedEvent:
		return
	case StatusEvent:
		if ev.BuildState == "INPROGRESS" {
			return
		}
		s.disp.Enqueue(s.jobs.CommitJob(ev.SHA))
	case CheckSuiteEvent:
		s.disp.Enqueue(s.jobs.CommitJob(ev.SHA))
	default:
		s.disp.Enqueue(s.jobs.PullRequestJob(ev.PRID))
	}
}

func kindLabel(k EventKind) string {
	switch k {
	case PREvent:
		return "pull_request"
	case CommentEvent:
		return "comment"
	case ReviewEvent:
		return "review"
	case StatusEvent:
		return "status"
	case CheckSuiteEvent:
		return "check_suite"
	case PRClosedEvent:
		return "pull_request_closed"
	default:
		return "unknown"
	}
}

func validSignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"queue_depth": s.disp.Depth(),
	})
}

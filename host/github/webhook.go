package github

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/clarketm/gatekeeper/ingress"
)

// Adapter parses GitHub webhook deliveries into ingress.Events, grounded on
// bert_e/server/webhook.py's parse_github_webhook dispatch over
// X-Github-Event.
type Adapter struct{}

var _ ingress.Adapter = Adapter{}

// Parse implements ingress.Adapter.
func (Adapter) Parse(r *http.Request, body []byte) ([]ingress.Event, error) {
	var envelope struct {
		Repository struct {
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
			Name string `json:"name"`
		} `json:"repository"`
		Action      string `json:"action"`
		PullRequest struct {
			Number int `json:"number"`
		} `json:"pull_request"`
		Issue struct {
			Number      int  `json:"number"`
			PullRequest *struct{} `json:"pull_request"`
		} `json:"issue"`
		SHA   string `json:"sha"`
		State string `json:"state"`
		CheckSuite struct {
			HeadSHA string `json:"head_sha"`
		} `json:"check_suite"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("github webhook: %w", err)
	}

	owner, slug := envelope.Repository.Owner.Login, envelope.Repository.Name
	ev := r.Header.Get("X-Github-Event")

	switch ev {
	case "pull_request":
		if envelope.Action == "closed" {
			return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.PRClosedEvent, PRID: envelope.PullRequest.Number}}, nil
		}
		return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.PREvent, PRID: envelope.PullRequest.Number}}, nil
	case "issue_comment":
		if envelope.Issue.PullRequest == nil {
			return nil, nil
		}
		return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.CommentEvent, PRID: envelope.Issue.Number}}, nil
	case "pull_request_review":
		return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.ReviewEvent, PRID: envelope.PullRequest.Number}}, nil
	case "status":
		return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.StatusEvent, SHA: envelope.SHA, BuildState: envelope.State}}, nil
	case "check_suite":
		return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.CheckSuiteEvent, SHA: envelope.CheckSuite.HeadSHA}}, nil
	default:
		return nil, nil
	}
}

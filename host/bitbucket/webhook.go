package bitbucket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/clarketm/gatekeeper/ingress"
)

// Adapter parses Bitbucket webhook deliveries into ingress.Events, grounded
// on bert_e/server/webhook.py's parse_bitbucket_webhook: the entity/event
// pair lives in the X-Event-Key header, e.g. "pullrequest:updated" or
// "repo:commit_status_updated".
type Adapter struct{}

var _ ingress.Adapter = Adapter{}

// Parse implements ingress.Adapter.
func (Adapter) Parse(r *http.Request, body []byte) ([]ingress.Event, error) {
	key := r.Header.Get("X-Event-Key")
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("bitbucket webhook: missing or malformed X-Event-Key %q", key)
	}
	entity, event := parts[0], parts[1]

	var envelope struct {
		Repository struct {
			Owner struct {
				Username string `json:"username"`
			} `json:"owner"`
			Name string `json:"name"`
		} `json:"repository"`
		PullRequest struct {
			ID int `json:"id"`
		} `json:"pullrequest"`
		CommitStatus struct {
			State string `json:"state"`
			Key   string `json:"key"`
			Links struct {
				Commit struct {
					Href string `json:"href"`
				} `json:"commit"`
			} `json:"links"`
		} `json:"commit_status"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("bitbucket webhook: %w", err)
	}
	owner, slug := envelope.Repository.Owner.Username, envelope.Repository.Name

	switch entity {
	case "pullrequest":
		return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.PREvent, PRID: envelope.PullRequest.ID}}, nil
	case "repo":
		if event != "commit_status_created" && event != "commit_status_updated" {
			return nil, nil
		}
		sha := commitSHAFromHref(envelope.CommitStatus.Links.Commit.Href)
		return []ingress.Event{{Owner: owner, Slug: slug, Kind: ingress.StatusEvent, SHA: sha, BuildState: envelope.CommitStatus.State}}, nil
	default:
		return nil, nil
	}
}

func commitSHAFromHref(href string) string {
	parts := strings.Split(href, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Package commenter implements the idempotent notification contract
// (spec.md §4.2): post rendered_text on a PR iff no prior bot comment
// carrying the same message_id sentinel exists within the last N comments.
package commenter

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/gkerrors"
	"github.com/clarketm/gatekeeper/host"
)

// lookback bounds how far back in a PR's comment history notify scans for
// a prior sentinel match (spec.md §4.2: "within the last N=10 bot comments").
const lookback = 10

// sentinel renders the hidden marker that makes a comment's message_id
// machine-recognizable without polluting the rendered text visually.
func sentinel(messageID string) string {
	return fmt.Sprintf("<!-- gatekeeper:%s -->", messageID)
}

// Commenter posts idempotent notifications on behalf of the bot identity.
type Commenter struct {
	host         host.Host
	owner, slug  string
	bot          string
	logger       *logrus.Entry
}

// New returns a Commenter that recognizes its own prior comments by
// botLogin, scoped to a single (owner, slug) repository.
func New(h host.Host, owner, slug, botLogin string, logger *logrus.Entry) *Commenter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Commenter{host: h, owner: owner, slug: slug, bot: botLogin, logger: logger.WithField("component", "commenter")}
}

// Notify posts renderedText on pr, prefixed with messageID's sentinel,
// unless a bot comment with that sentinel already appears among the last
// lookback bot comments on pr.
func (c *Commenter) Notify(ctx context.Context, prID int, messageID, renderedText string) error {
	pr, err := c.host.GetPullRequest(ctx, c.owner, c.slug, prID)
	if err != nil {
		return gkerrors.NewTransientError("commenter.GetPullRequest", err)
	}

	if alreadyNotified(pr.Comments, c.bot, messageID) {
		c.logger.WithFields(logrus.Fields{"pr": prID, "message_id": messageID}).
			Debug("skipping notify, sentinel already present")
		return nil
	}

	body := sentinel(messageID) + "\n" + renderedText
	if _, err := c.host.AddComment(ctx, c.owner, c.slug, prID, body); err != nil {
		return gkerrors.NewTransientError("commenter.AddComment", err)
	}
	return nil
}

// alreadyNotified scans the most recent lookback comments authored by bot
// for one whose body starts with messageID's sentinel.
func alreadyNotified(comments []host.Comment, bot, messageID string) bool {
	marker := sentinel(messageID)

	botComments := make([]host.Comment, 0, len(comments))
	for _, c := range comments {
		if c.Author == bot {
			botComments = append(botComments, c)
		}
	}

	start := 0
	if len(botComments) > lookback {
		start = len(botComments) - lookback
	}
	for _, c := range botComments[start:] {
		if strings.HasPrefix(c.Body, marker) {
			return true
		}
	}
	return false
}

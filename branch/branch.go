// Package branch classifies git branch names against the gatekeeper's
// cascading branching model: development lines, stabilization lines,
// bot-owned integration ("w/") and queue ("q/") refs, and the
// feature/bugfix/improvement/hotfix/user prefixes that feed them.
package branch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clarketm/gatekeeper/version"
)

// Kind enumerates the closed set of shapes a branch name can take.
type Kind int

const (
	// Other is the catch-all for names the model doesn't recognize.
	Other Kind = iota
	Development
	Stabilization
	Integration
	Queue
	Hotfix
	Feature
	Bugfix
	Improvement
	User
)

func (k Kind) String() string {
	switch k {
	case Development:
		return "development"
	case Stabilization:
		return "stabilization"
	case Integration:
		return "integration"
	case Queue:
		return "queue"
	case Hotfix:
		return "hotfix"
	case Feature:
		return "feature"
	case Bugfix:
		return "bugfix"
	case Improvement:
		return "improvement"
	case User:
		return "user"
	default:
		return "other"
	}
}

// changePrefixes are the only prefixes the cascade engine will propagate.
var changePrefixes = map[string]Kind{
	"feature":     Feature,
	"bugfix":      Bugfix,
	"improvement": Improvement,
}

// BotOwned reports whether refs of this kind are created/advanced/deleted
// exclusively by the gatekeeper. Only Integration and Queue refs qualify;
// the bot must refuse to delete anything else (spec.md §3, §8 invariant 2).
func (k Kind) BotOwned() bool {
	return k == Integration || k == Queue
}

// Name is a fully parsed branch name: its Kind plus whichever fields that
// kind populates. Name is immutable once parsed.
type Name struct {
	Raw     string
	Kind    Kind
	Version version.Version // Development, Stabilization, Integration, Queue, Hotfix
	Prefix  string           // Integration, Feature, Bugfix, Improvement, User: the "/"-prefix
	Subname string           // Integration, Feature, Bugfix, Improvement, User: remainder after prefix
	PRID    int              // Queue only
	SHA     string           // Queue only
}

var (
	developmentRe   = regexp.MustCompile(`^development/(.+)$`)
	stabilizationRe = regexp.MustCompile(`^stabilization/(.+)$`)
	integrationRe   = regexp.MustCompile(`^w/([^/]+)/([^/]+)/(.+)$`)
	queueRe         = regexp.MustCompile(`^q/(\d+)/([0-9a-fA-F]+)/(.+)$`)
	hotfixRe        = regexp.MustCompile(`^hotfix/(.+)$`)
	userRe          = regexp.MustCompile(`^user/(.+)$`)
)

// Parse deterministically classifies a branch name. Unknown shapes, and
// shapes whose version component does not parse, map to Other rather than
// erroring: an unrecognized branch is simply not the gatekeeper's concern.
func Parse(name string) Name {
	n := Name{Raw: name, Kind: Other}

	if m := developmentRe.FindStringSubmatch(name); m != nil {
		if v, err := version.Parse(m[1]); err == nil {
			n.Kind = Development
			n.Version = v
			return n
		}
	}
	if m := stabilizationRe.FindStringSubmatch(name); m != nil {
		if v, err := version.Parse(m[1]); err == nil {
			n.Kind = Stabilization
			n.Version = v
			return n
		}
	}
	if m := integrationRe.FindStringSubmatch(name); m != nil {
		if v, err := version.Parse(m[1]); err == nil {
			n.Kind = Integration
			n.Version = v
			n.Prefix = m[2]
			n.Subname = m[3]
			return n
		}
	}
	if m := queueRe.FindStringSubmatch(name); m != nil {
		pr := 0
		fmt.Sscanf(m[1], "%d", &pr)
		// The version component of a queue ref is the remainder after the
		// sha segment: q/<pr>/<sha>/<version>.
		n.Kind = Queue
		n.PRID = pr
		n.SHA = m[2]
		if v, err := version.Parse(m[3]); err == nil {
			n.Version = v
		}
		return n
	}
	if m := hotfixRe.FindStringSubmatch(name); m != nil {
		n.Kind = Hotfix
		n.Prefix = "hotfix"
		n.Subname = m[1]
		return n
	}
	if m := userRe.FindStringSubmatch(name); m != nil {
		n.Kind = User
		n.Prefix = "user"
		n.Subname = m[1]
		return n
	}

	if idx := strings.Index(name, "/"); idx > 0 {
		prefix, sub := name[:idx], name[idx+1:]
		if k, ok := changePrefixes[prefix]; ok && sub != "" {
			n.Kind = k
			n.Prefix = prefix
			n.Subname = sub
			return n
		}
	}
	return n
}

// Changeable reports whether this Name is a branch kind the cascade engine
// will ever take as a source: feature, bugfix or improvement.
func (n Name) Changeable() bool {
	switch n.Kind {
	case Feature, Bugfix, Improvement:
		return true
	default:
		return false
	}
}

// IntegrationName builds the canonical integration-branch name
// w/<version>/<prefix>/<subname>.
func IntegrationName(v version.Version, prefix, subname string) string {
	return fmt.Sprintf("w/%s/%s/%s", v, prefix, subname)
}

// QueueName builds the canonical queue-branch name q/<pr>/<sha>/<version>.
func QueueName(prID int, sha string, v version.Version) string {
	return fmt.Sprintf("q/%d/%s/%s", prID, sha, v)
}

// DevelopmentName builds the canonical development/<version> ref name.
func DevelopmentName(v version.Version) string {
	return fmt.Sprintf("development/%s", v)
}

// Admits encodes the admission rule for a prefix merging into a
// development(v) destination (spec.md §4.1):
//
//   - "feature" is forbidden into any maintenance line — every development
//     version except the lattice's current tip.
//   - "bugfix" and "improvement" are always admitted.
//   - "hotfix" is never handled by the cascade engine (spec.md §4.3: ignored
//     entirely, a silent no-op).
//   - "user/" is never handled.
func Admits(prefix string, dst version.Version, isTip bool) bool {
	switch prefix {
	case "feature":
		return isTip
	case "bugfix", "improvement":
		return true
	default:
		return false
	}
}

// DeletionAllowed enforces spec.md §3/§8's deletion-safety invariant: the
// bot may only ever delete refs whose name starts with "w/" or "q/".
func DeletionAllowed(name string) bool {
	return strings.HasPrefix(name, "w/") || strings.HasPrefix(name, "q/")
}

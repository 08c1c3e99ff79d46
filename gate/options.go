package gate

import (
	"regexp"
	"strings"

	"github.com/clarketm/gatekeeper/config"
	"github.com/clarketm/gatekeeper/host"
)

// Options are the per-cycle gating knobs, derived fresh on every evaluation
// from config.PRAuthorOptions plus any command comments left by an admin or
// project leader (spec.md §4.3: "mutates the gating options for the
// current cycle only — not persisted").
type Options struct {
	BypassAuthorApproval bool
	BypassPeerApproval   bool
	BypassLeaderApproval bool
	BypassBuildStatus    bool
	BypassIncompatible   bool
	Unanimity            bool
	Wait                 bool
	ForceBuild           bool
}

// commandRe matches "@<bot> <verb>[ <arg>]" at the start of a comment line.
var commandRe = regexp.MustCompile(`(?m)^\s*(?:@)?([A-Za-z0-9_.\-]+)\s+(status|wait|unanimity|bypass_author_approval|bypass_peer_approval|bypass_leader_approval|bypass_build_status|bypass_incompatible_branch|reset|force_reset|build|clear)\b`)

// ResolveOptions folds author-default bypasses with any command comments
// left by a privileged author (admin or project leader), in comment order
// so the latest command wins.
func ResolveOptions(settings *config.Settings, pr *host.PullRequest, botLogin string) Options {
	opts := Options{}

	if author, ok := settings.PRAuthorOptions[pr.Author]; ok {
		opts.BypassPeerApproval = author.BypassPeerApproval
		opts.BypassLeaderApproval = author.BypassLeaderApproval
		opts.BypassBuildStatus = author.BypassBuildStatus
		opts.BypassIncompatible = author.BypassIncompatible
	}

	privileged := map[string]bool{}
	for _, a := range settings.Admins {
		privileged[a] = true
	}
	for _, l := range settings.ProjectLeaders {
		privileged[l] = true
	}

	for _, c := range pr.Comments {
		if !privileged[c.Author] {
			continue
		}
		for _, m := range commandRe.FindAllStringSubmatch(c.Body, -1) {
			handle, verb := m[1], m[2]
			if !strings.EqualFold(handle, botLogin) {
				continue
			}
			applyCommand(&opts, verb)
		}
	}
	return opts
}

func applyCommand(opts *Options, verb string) {
	switch verb {
	case "wait":
		opts.Wait = true
	case "unanimity":
		opts.Unanimity = true
	case "bypass_author_approval":
		opts.BypassAuthorApproval = true
	case "bypass_peer_approval":
		opts.BypassPeerApproval = true
	case "bypass_leader_approval":
		opts.BypassLeaderApproval = true
	case "bypass_build_status":
		opts.BypassBuildStatus = true
	case "bypass_incompatible_branch":
		opts.BypassIncompatible = true
	case "build":
		opts.ForceBuild = true
	case "clear":
		*opts = Options{}
	case "status", "reset", "force_reset":
		// Recognised but not acted on: no gating-option effect, and no
		// other layer handles these verbs.
	}
}

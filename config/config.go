// Package config knows how to read, validate, and hot-reload gatekeeper's
// settings file. It mirrors the teacher's config.Agent pattern: a
// mutex-guarded snapshot swapped atomically on reload, watched with
// fsnotify so a running process picks up edits without a restart.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PRAuthorOptions overrides gating requirements for PRs authored by a
// specific login, keyed by GitHub/Bitbucket username.
type PRAuthorOptions struct {
	BypassPeerApproval   bool `yaml:"bypass_peer_approval"`
	BypassLeaderApproval bool `yaml:"bypass_leader_approval"`
	BypassBuildStatus    bool `yaml:"bypass_build_status"`
	BypassIncompatible   bool `yaml:"bypass_incompatible_branch"`
}

// Settings is the full set of operator-controlled knobs, mirroring the
// original bot's SettingsSchema field for field.
type Settings struct {
	AlwaysCreateIntegrationBranches bool `yaml:"always_create_integration_branches"`
	AlwaysCreateIntegrationPullRequests bool `yaml:"always_create_integration_pull_requests"`

	FrontendURL string `yaml:"frontend_url"`

	RepositoryOwner string `yaml:"repository_owner"`
	RepositorySlug  string `yaml:"repository_slug"`
	RepositoryHost  string `yaml:"repository_host"`

	RobotUsername  string `yaml:"robot_username"`
	RobotAccountID string `yaml:"robot_account_id"`
	RobotEmail     string `yaml:"robot_email"`

	PullRequestBaseURL string `yaml:"pull_request_base_url"`
	CommitBaseURL      string `yaml:"commit_base_url"`

	BuildKey string `yaml:"build_key"`

	NeedAuthorApproval       bool `yaml:"need_author_approval"`
	RequiredLeaderApprovals  int  `yaml:"required_leader_approvals"`
	RequiredPeerApprovals    int  `yaml:"required_peer_approvals"`

	PRAuthorOptions map[string]PRAuthorOptions `yaml:"pr_author_options"`

	IssueTrackerAccountURL string   `yaml:"issue_tracker_account_url"`
	IssueTrackerEmail      string   `yaml:"issue_tracker_email"`
	IssueTrackerKeys       []string `yaml:"issue_tracker_keys"`

	Prefixes       map[string]string `yaml:"prefixes"`
	BypassPrefixes []string          `yaml:"bypass_prefixes"`

	DisableVersionChecks bool `yaml:"disable_version_checks"`

	Organization   string   `yaml:"organization"`
	Admins         []string `yaml:"admins"`
	ProjectLeaders []string `yaml:"project_leaders"`

	Tasks []string `yaml:"tasks"`

	MaxCommitDiff int `yaml:"max_commit_diff"`

	UseQueues            bool `yaml:"use_queues"`
	SkipQueueWhenPossible bool `yaml:"skip_queue_when_possible"`
	DisableQueues        bool `yaml:"disable_queues"`
	AtomicQueuePush      bool `yaml:"atomic_queue_push"`

	// Secrets are never read from the YAML file; they are populated from
	// the environment by applyEnvOverrides, loaded via godotenv for local
	// development.
	RobotPassword    string `yaml:"-"`
	IssueTrackerToken string `yaml:"-"`
	ClientID         string `yaml:"-"`
	ClientSecret     string `yaml:"-"`
	WebhookSecret    string `yaml:"-"`
}

// Default returns the settings baseline the schema documents (bert_e's
// SettingsSchema defaults): author approval required, no queues, no leader
// approvals, two peer approvals, a 500-line diff ceiling.
func Default() Settings {
	return Settings{
		BuildKey:                "pre-merge",
		NeedAuthorApproval:      true,
		RequiredLeaderApprovals: 0,
		RequiredPeerApprovals:   2,
		MaxCommitDiff:           500,
		AtomicQueuePush:         true,
		Prefixes: map[string]string{
			"feature":     "feature",
			"bugfix":      "bugfix",
			"improvement": "improvement",
		},
	}
}

// Load reads path, overlays secrets from the environment (optionally
// seeded from an adjacent .env via godotenv), validates, and returns the
// resulting Settings.
func Load(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	s := Default()
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	_ = godotenv.Load()
	applyEnvOverrides(&s)

	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("GATEKEEPER_ROBOT_PASSWORD"); v != "" {
		s.RobotPassword = v
	}
	if v := os.Getenv("GATEKEEPER_ISSUE_TRACKER_TOKEN"); v != "" {
		s.IssueTrackerToken = v
	}
	if v := os.Getenv("GATEKEEPER_CLIENT_ID"); v != "" {
		s.ClientID = v
	}
	if v := os.Getenv("GATEKEEPER_CLIENT_SECRET"); v != "" {
		s.ClientSecret = v
	}
	if v := os.Getenv("GATEKEEPER_WEBHOOK_SECRET"); v != "" {
		s.WebhookSecret = v
	}
}

// Validate enforces the inter-field invariants the original settings
// schema checked at load time (validate_inter_settings): leader approvals
// can never exceed peer approvals, and never exceed the number of
// registered project leaders.
func Validate(s *Settings) error {
	if s.RepositoryOwner == "" || s.RepositorySlug == "" {
		return fmt.Errorf("config: repository_owner and repository_slug are required")
	}
	if s.RequiredLeaderApprovals > s.RequiredPeerApprovals {
		return fmt.Errorf("config: required_leader_approvals (%d) cannot exceed required_peer_approvals (%d)",
			s.RequiredLeaderApprovals, s.RequiredPeerApprovals)
	}
	if s.RequiredLeaderApprovals > len(s.ProjectLeaders) {
		return fmt.Errorf("config: required_leader_approvals (%d) cannot exceed the number of project_leaders (%d)",
			s.RequiredLeaderApprovals, len(s.ProjectLeaders))
	}
	if s.MaxCommitDiff < 0 {
		return fmt.Errorf("config: max_commit_diff cannot be negative")
	}
	return nil
}

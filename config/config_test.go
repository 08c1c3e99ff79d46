package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeeper.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, "repository_owner: acme\nrepository_slug: widget\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.BuildKey != "pre-merge" {
		t.Errorf("BuildKey = %q, want pre-merge", s.BuildKey)
	}
	if !s.NeedAuthorApproval {
		t.Errorf("NeedAuthorApproval = false, want true by default")
	}
	if s.RequiredPeerApprovals != 2 {
		t.Errorf("RequiredPeerApprovals = %d, want 2", s.RequiredPeerApprovals)
	}
}

func TestLoadMissingRepository(t *testing.T) {
	path := writeTempConfig(t, "build_key: ci\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing repository_owner/slug")
	}
}

func TestValidateLeaderExceedsPeer(t *testing.T) {
	s := Default()
	s.RepositoryOwner, s.RepositorySlug = "acme", "widget"
	s.RequiredLeaderApprovals = 3
	s.RequiredPeerApprovals = 2
	s.ProjectLeaders = []string{"alice", "bob", "carol"}
	if err := Validate(&s); err == nil {
		t.Fatalf("expected error when leader approvals exceed peer approvals")
	}
}

func TestValidateLeaderExceedsLeaderCount(t *testing.T) {
	s := Default()
	s.RepositoryOwner, s.RepositorySlug = "acme", "widget"
	s.RequiredLeaderApprovals = 2
	s.RequiredPeerApprovals = 2
	s.ProjectLeaders = []string{"alice"}
	if err := Validate(&s); err == nil {
		t.Fatalf("expected error when leader approvals exceed registered project leaders")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	path := writeTempConfig(t, "repository_owner: acme\nrepository_slug: widget\n")
	t.Setenv("GATEKEEPER_ROBOT_PASSWORD", "s3cr3t")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.RobotPassword != "s3cr3t" {
		t.Errorf("RobotPassword = %q, want s3cr3t", s.RobotPassword)
	}
}

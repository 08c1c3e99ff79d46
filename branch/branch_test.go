package branch

import (
	"testing"

	"github.com/clarketm/gatekeeper/version"
)

func TestParseKinds(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
	}{
		{"development/5.1", Development},
		{"stabilization/6.0", Stabilization},
		{"w/6.0/bugfix/PROJ-1", Integration},
		{"q/42/abc123/5.1", Queue},
		{"hotfix/PROJ-9", Hotfix},
		{"feature/PROJ-2-thing", Feature},
		{"bugfix/PROJ-3", Bugfix},
		{"improvement/PROJ-4", Improvement},
		{"user/bob/scratch", User},
		{"master", Other},
		{"random-topic", Other},
	}
	for _, c := range cases {
		got := Parse(c.name)
		if got.Kind != c.kind {
			t.Errorf("Parse(%q).Kind = %v, want %v", c.name, got.Kind, c.kind)
		}
	}
}

func TestParseIntegrationFields(t *testing.T) {
	n := Parse("w/6.0/bugfix/PROJ-1")
	if n.Version != (version.Version{Major: 6, Minor: 0, Patch: version.NoPatch}) {
		t.Errorf("unexpected version: %+v", n.Version)
	}
	if n.Prefix != "bugfix" || n.Subname != "PROJ-1" {
		t.Errorf("unexpected prefix/subname: %q/%q", n.Prefix, n.Subname)
	}
}

func TestParseQueueFields(t *testing.T) {
	n := Parse("q/42/deadbeef/5.1")
	if n.Kind != Queue || n.PRID != 42 || n.SHA != "deadbeef" {
		t.Errorf("unexpected queue fields: %+v", n)
	}
	if n.Version != (version.Version{Major: 5, Minor: 1, Patch: version.NoPatch}) {
		t.Errorf("unexpected queue version: %+v", n.Version)
	}
}

func TestAdmitsFeatureForbiddenOnMaintenance(t *testing.T) {
	maintenance := version.Version{Major: 5, Minor: 1, Patch: version.NoPatch}
	if Admits("feature", maintenance, false) {
		t.Error("feature must not be admitted into a maintenance line")
	}
	tip := version.Version{Major: 7, Minor: 0, Patch: version.NoPatch}
	if !Admits("feature", tip, true) {
		t.Error("feature must be admitted into the tip")
	}
	if !Admits("bugfix", maintenance, false) {
		t.Error("bugfix must always be admitted")
	}
	if Admits("hotfix", maintenance, false) {
		t.Error("hotfix must never be handled by the cascade engine")
	}
}

func TestDeletionAllowed(t *testing.T) {
	cases := map[string]bool{
		"w/6.0/bugfix/PROJ-1": true,
		"q/42/abc/5.1":        true,
		"development/5.1":     false,
		"master":              false,
		"feature/PROJ-1":      false,
	}
	for name, want := range cases {
		if got := DeletionAllowed(name); got != want {
			t.Errorf("DeletionAllowed(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIntegrationAndQueueNameRoundtrip(t *testing.T) {
	v := version.Version{Major: 6, Minor: 0, Patch: version.NoPatch}
	in := IntegrationName(v, "bugfix", "PROJ-1")
	if in != "w/6.0/bugfix/PROJ-1" {
		t.Errorf("IntegrationName = %q", in)
	}
	parsed := Parse(in)
	if parsed.Kind != Integration || parsed.Version != v {
		t.Errorf("roundtrip failed: %+v", parsed)
	}

	qn := QueueName(42, "abc123", v)
	if qn != "q/42/abc123/6.0" {
		t.Errorf("QueueName = %q", qn)
	}
	pq := Parse(qn)
	if pq.Kind != Queue || pq.PRID != 42 || pq.SHA != "abc123" || pq.Version != v {
		t.Errorf("queue roundtrip failed: %+v", pq)
	}
}

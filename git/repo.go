package git

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/gkerrors"
)

// MergeFailedError is returned by Repo.Merge/MergeNoFF when git reports a
// conflict. Callers (the cascade engine) translate this into a Conflict
// UserError naming the two refs involved (spec.md §4.4 step 3/4).
type MergeFailedError struct {
	Source, Destination string
}

func (e *MergeFailedError) Error() string {
	return fmt.Sprintf("merge of %s into %s failed with conflicts", e.Source, e.Destination)
}

// Repo is a disposable worktree derived from a Client's mirror clone. Every
// exit path must call Clean, which is guaranteed to remove the worktree and
// release the mirror lock (spec.md §5: "scoped guarantee of removal on all
// exit paths").
type Repo struct {
	dir      string
	mirror   string
	fullName string
	lock     *flock.Flock
	logger   *logrus.Entry
}

// Directory returns the worktree's path on disk.
func (r *Repo) Directory() string { return r.dir }

// Clean removes the worktree and releases the mirror's advisory lock. Safe
// to call more than once.
func (r *Repo) Clean() error {
	if r.dir == "" {
		return nil
	}
	_ = run(gitCommandTimeout, r.mirror, "worktree", "remove", "--force", r.dir)
	os.RemoveAll(r.dir)
	r.dir = ""
	if r.lock != nil {
		return r.lock.Unlock()
	}
	return nil
}

// Config sets a local git config value (e.g. user.name / user.email),
// mirroring the teacher's Repo.Config usage in tide's pickBatch.
func (r *Repo) Config(key, value string) error {
	return run(gitCommandTimeout, r.dir, "config", key, value)
}

// FetchRef fetches a single ref from origin into the worktree (FETCH_HEAD
// and refs/remotes/origin/<name>), without requiring a full mirror refresh.
func (r *Repo) FetchRef(name string) error {
	return run(gitCommandTimeout, r.dir, "fetch", "origin", name)
}

// RefExists reports whether name exists as a ref reachable from the mirror.
func (r *Repo) RefExists(name string) (bool, error) {
	err := run(gitCommandTimeout, r.dir, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+name)
	if err == nil {
		return true, nil
	}
	return false, nil
}

// CreateBranch creates name at the tip of base and checks it out.
func (r *Repo) CreateBranch(name, base string) error {
	if err := run(gitCommandTimeout, r.dir, "fetch", "origin", base); err != nil {
		return gkerrors.NewTransientError("git.fetch", err)
	}
	return run(gitCommandTimeout, r.dir, "checkout", "-B", name, "FETCH_HEAD")
}

// ResetToRemote hard-resets the checked-out branch to the tip of its remote
// counterpart (spec.md §4.4 step 2: "else reset to origin/w/vi/...").
func (r *Repo) ResetToRemote(name string) error {
	if err := run(gitCommandTimeout, r.dir, "fetch", "origin", name); err != nil {
		return gkerrors.NewTransientError("git.fetch", err)
	}
	return run(gitCommandTimeout, r.dir, "checkout", "-B", name, "FETCH_HEAD")
}

// Checkout checks out an already-fetched ref/commit.
func (r *Repo) Checkout(ref string) error {
	return run(gitCommandTimeout, r.dir, "checkout", ref)
}

// MergeNoFF merges src (a ref or commit already present in the worktree's
// object store) into the currently checked-out branch with --no-ff, the
// strategy the cascade engine uses at every cascade step (spec.md §4.4
// steps 3 and 4). On conflict it aborts the merge and returns
// *MergeFailedError.
func (r *Repo) MergeNoFF(src, dstNameForError string) error {
	if err := run(gitCommandTimeout, r.dir, "merge", "--no-ff", "--no-edit", src); err != nil {
		_ = run(gitCommandTimeout, r.dir, "merge", "--abort")
		return &MergeFailedError{Source: src, Destination: dstNameForError}
	}
	return nil
}

// MergeAndCheckout is a convenience used when producing a queue-branch
// candidate: it checks out baseSHA, then merges each of heads in order
// (grounded on the teacher's Repo.MergeAndCheckout test coverage for
// multi-head batch merges).
func (r *Repo) MergeAndCheckout(baseSHA string, heads ...string) error {
	if baseSHA == "" {
		return fmt.Errorf("git: baseSHA must be set")
	}
	if err := run(gitCommandTimeout, r.dir, "checkout", baseSHA); err != nil {
		return gkerrors.NewTransientError("git.checkout", err)
	}
	if len(heads) == 0 {
		return nil
	}
	args := append([]string{"merge", "--no-ff", "--no-edit"}, heads...)
	if err := run(gitCommandTimeout, r.dir, args...); err != nil {
		_ = run(gitCommandTimeout, r.dir, "merge", "--abort")
		return &MergeFailedError{Source: strings.Join(heads, ","), Destination: baseSHA}
	}
	return nil
}

// Push force-pushes the currently checked-out branch to name on origin.
// Integration and queue refs are always pushed with force, since the
// gatekeeper is their sole owner and may rebuild them from scratch
// (spec.md §4.4 step 2).
func (r *Repo) Push(name string) error {
	return retryPush(func() error {
		return run(gitCommandTimeout, r.dir, "push", "--force", "origin", "HEAD:refs/heads/"+name)
	})
}

// PushAllAtomic pushes multiple local refs to their matching remote branch
// names as a single atomic operation (spec.md §4.5 step 1). If the host
// doesn't support atomic multi-ref push, callers should prefer
// PushAllSequential and handle the degraded-mode QueueInconsistencyError
// themselves.
func (r *Repo) PushAllAtomic(refspecs map[string]string) error {
	args := []string{"push", "--atomic", "origin"}
	for local, remote := range refspecs {
		args = append(args, fmt.Sprintf("%s:refs/heads/%s", local, remote))
	}
	return retryPush(func() error { return run(gitCommandTimeout, r.dir, args...) })
}

// PushAllSequential pushes each ref one at a time, returning the set of
// remote names successfully advanced before a failure — the degraded-mode
// companion to PushAllAtomic (spec.md §4.5 step 1, §9 open question on
// `git push --all --atomic` not being honored by every host).
func (r *Repo) PushAllSequential(refspecs map[string]string) (advanced []string, err error) {
	for local, remote := range refspecs {
		if perr := retryPush(func() error {
			return run(gitCommandTimeout, r.dir, "push", "origin", fmt.Sprintf("%s:refs/heads/%s", local, remote))
		}); perr != nil {
			return advanced, perr
		}
		advanced = append(advanced, remote)
	}
	return advanced, nil
}

// DeleteRemoteRef deletes name on origin. It refuses to do so unless name
// is bot-owned (spec.md §3, §8 invariant 2): callers pass already-validated
// names, but this is the last line of defense.
func (r *Repo) DeleteRemoteRef(name string, allowed func(string) bool) error {
	if !allowed(name) {
		return fmt.Errorf("git: refusing to delete non-bot-owned ref %q", name)
	}
	return run(gitCommandTimeout, r.dir, "push", "origin", "--delete", name)
}

// RevParse resolves ref to a commit SHA.
func (r *Repo) RevParse(ref string) (string, error) {
	out, err := runOutput(gitCommandTimeout, r.dir, "rev-parse", ref)
	if err != nil {
		return "", gkerrors.NewTransientError("git.rev-parse", err)
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether ancestor is reachable from descendant — used
// by the cascade engine's re-entrancy check (spec.md §4.4: "skip steps 2-5
// for versions whose integration branch already reaches both parent and
// development/vi").
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	err := run(gitCommandTimeout, r.dir, "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil, nil
}

func retryPush(op func() error) error {
	return retryWithBackoff(op)
}

// RefInfo is one ref enumerated by ListRefs.
type RefInfo struct {
	Name      string // stripped of the refs/remotes/origin/ prefix
	CreatedAt time.Time
}

// ListRefs enumerates refs under refs/remotes/origin/<pattern> after a full
// mirror fetch, used both to discover the active development/* lattice at
// startup and to reconstruct the merge queue's q/* entries on restart
// (spec.md §4.5 "Queue recovery").
func (r *Repo) ListRefs(pattern string) ([]RefInfo, error) {
	if err := run(gitCommandTimeout, r.dir, "fetch", "origin", "--prune"); err != nil {
		return nil, gkerrors.NewTransientError("git.fetch", err)
	}
	// for-each-ref globs do not cross '/', so a trailing "*" is matched as a
	// plain prefix to reach nested names such as q/<pr>/<sha>/<version>.
	out, err := runOutput(gitCommandTimeout, r.dir, "for-each-ref",
		"--format=%(refname)|%(creatordate:unix)", "refs/remotes/origin/"+strings.TrimSuffix(pattern, "*"))
	if err != nil {
		return nil, gkerrors.NewTransientError("git.for-each-ref", err)
	}

	var refs []RefInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "refs/remotes/origin/")
		sec, _ := strconv.ParseInt(parts[1], 10, 64)
		refs = append(refs, RefInfo{Name: name, CreatedAt: time.Unix(sec, 0)})
	}
	return refs, nil
}

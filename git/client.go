// Package git is the repository façade (spec.md §2, §5): it owns a single
// on-disk mirror clone per repository and hands out disposable worktrees
// derived from that mirror to callers. Every mutating git operation the
// cascade engine and merge queue need — branch create/merge/push/reset/
// delete, ancestry tests — goes through a *Repo acquired from a *Client.
//
// The mirror is exclusively owned by the single dispatcher worker
// (spec.md §5); Client additionally takes a github.com/gofrs/flock advisory
// lock on the mirror directory so that a second gatekeeper process started
// against the same cache directory (e.g. after a crash-restart race) fails
// fast instead of corrupting the mirror.
package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/gkerrors"
)

// gitCommandTimeout is the default per-subprocess timeout (spec.md §5:
// "must carry a timeout (default 5 minutes for git commands)").
const gitCommandTimeout = 5 * time.Minute

// Client manages mirror clones for a set of repositories ("owner/slug") on
// disk and hands out worktrees cloned from those mirrors.
type Client struct {
	logger   *logrus.Entry
	baseDir  string
	host     string // e.g. "https://github.com"
	user     string
	password string

	mu     sync.Mutex
	locks  map[string]*flock.Flock
}

// NewClient builds a Client rooted at baseDir, authenticating over HTTPS
// with user/password (a robot account token, per spec.md §6 robot identity).
func NewClient(baseDir, host, user, password string, logger *logrus.Entry) (*Client, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("git: creating base dir %s: %w", baseDir, err)
	}
	return &Client{
		logger:   logger.WithField("component", "git"),
		baseDir:  baseDir,
		host:     host,
		user:     user,
		password: password,
		locks:    map[string]*flock.Flock{},
	}, nil
}

func (c *Client) mirrorDir(fullName string) string {
	return filepath.Join(c.baseDir, fullName+".git")
}

func (c *Client) remoteURL(fullName string) string {
	if c.user == "" {
		return fmt.Sprintf("%s/%s.git", c.host, fullName)
	}
	return fmt.Sprintf("https://%s:%s@%s/%s.git", c.user, c.password, trimScheme(c.host), fullName)
}

func trimScheme(host string) string {
	for _, p := range []string{"https://", "http://"} {
		if len(host) > len(p) && host[:len(p)] == p {
			return host[len(p):]
		}
	}
	return host
}

// lockMirror acquires the per-repo advisory lock guarding the mirror clone,
// enforcing single-worker ownership of the mirror across process restarts.
func (c *Client) lockMirror(fullName string) (*flock.Flock, error) {
	c.mu.Lock()
	fl, ok := c.locks[fullName]
	if !ok {
		fl = flock.New(c.mirrorDir(fullName) + ".lock")
		c.locks[fullName] = fl
	}
	c.mu.Unlock()

	ok, err := fl.TryLock()
	if err != nil {
		return nil, gkerrors.NewTransientError("git.lockMirror", err)
	}
	if !ok {
		return nil, gkerrors.NewTransientError("git.lockMirror",
			fmt.Errorf("mirror for %s is held by another process", fullName))
	}
	return fl, nil
}

// refreshMirror clones fullName as a bare mirror if absent, else fetches.
func (c *Client) refreshMirror(fullName string) error {
	dir := c.mirrorDir(fullName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return err
		}
		if err := run(gitCommandTimeout, "", "clone", "--mirror", c.remoteURL(fullName), dir); err != nil {
			return gkerrors.NewTransientError("git.clone", err)
		}
		return nil
	}
	if err := run(gitCommandTimeout, dir, "remote", "update", "--prune"); err != nil {
		return gkerrors.NewTransientError("git.fetch", err)
	}
	return nil
}

// Clone acquires the mirror for fullName (refreshing it), locks it for the
// duration of the returned Repo's lifetime, and clones a disposable working
// copy from the remote that borrows its objects from the mirror (git clone
// --reference), so origin/<branch> refs resolve and pushes reach the remote.
// Callers MUST call Repo.Clean when done; Clean releases both the working
// copy and the mirror lock.
func (c *Client) Clone(fullName string) (*Repo, error) {
	lock, err := c.lockMirror(fullName)
	if err != nil {
		return nil, err
	}
	if err := c.refreshMirror(fullName); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	worktreeDir, err := os.MkdirTemp(c.baseDir, "worktree-")
	if err != nil {
		_ = lock.Unlock()
		return nil, gkerrors.NewTransientError("git.worktree", err)
	}
	mirror := c.mirrorDir(fullName)
	if err := run(gitCommandTimeout, "", "clone", "-q", "--reference", mirror, c.remoteURL(fullName), worktreeDir); err != nil {
		os.RemoveAll(worktreeDir)
		_ = lock.Unlock()
		return nil, gkerrors.NewTransientError("git.worktree.clone", err)
	}

	return &Repo{
		dir:      worktreeDir,
		mirror:   mirror,
		fullName: fullName,
		lock:     lock,
		logger:   c.logger.WithField("repo", fullName),
	}, nil
}

func run(timeout time.Duration, dir string, args ...string) error {
	ctx, cancel := newTimeoutContext(timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, string(out))
	}
	return nil
}

func runOutput(timeout time.Duration, dir string, args ...string) (string, error) {
	ctx, cancel := newTimeoutContext(timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %v: %w", args, err)
	}
	return string(out), nil
}

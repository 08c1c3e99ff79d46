// Package localgit stands up real, throwaway git repositories on disk for
// cascade/merge-queue integration tests, grounded on the teacher's
// git/git_test.go use of localgit.New(): no mocked git subprocess, real
// "git" binary operating on temp directories standing in for the remote.
package localgit

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/git"
)

// LocalGit holds a "remote" directory of bare repositories, addressable by
// git.Client as file:// URLs.
type LocalGit struct {
	RemoteDir string
	workDir   string
}

// New creates a LocalGit and a git.Client wired to clone from it.
func New() (*LocalGit, *git.Client, error) {
	remote, err := os.MkdirTemp("", "localgit-remote-")
	if err != nil {
		return nil, nil, err
	}
	work, err := os.MkdirTemp("", "localgit-work-")
	if err != nil {
		return nil, nil, err
	}
	lg := &LocalGit{RemoteDir: remote, workDir: work}

	client, err := git.NewClient(filepath.Join(work, "mirrors"), "file://"+remote, "", "",
		logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		return nil, nil, err
	}
	return lg, client, nil
}

// Clean removes the remote and working directories.
func (lg *LocalGit) Clean() error {
	if err := os.RemoveAll(lg.RemoteDir); err != nil {
		return err
	}
	return os.RemoveAll(lg.workDir)
}

func (lg *LocalGit) repoDir(owner, repo string) string {
	return filepath.Join(lg.RemoteDir, owner, repo+".git")
}

func run(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v in %s: %w: %s", args, dir, err, string(out))
	}
	return nil
}

func runOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %v in %s: %w", args, dir, err)
	}
	return string(out), nil
}

// MakeFakeRepo creates a bare "remote" repo with an initial commit on
// "master" only; tests add development/* and other branches with
// CreateBranch.
func (lg *LocalGit) MakeFakeRepo(owner, repo string) error {
	dir := lg.repoDir(owner, repo)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err := run(filepath.Dir(dir), "init", "--bare", repo+".git"); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "localgit-scratch-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if err := run(scratch, "clone", dir, "."); err != nil {
		return err
	}
	if err := run(scratch, "config", "user.email", "test@localhost"); err != nil {
		return err
	}
	if err := run(scratch, "config", "user.name", "test"); err != nil {
		return err
	}
	if err := run(scratch, "config", "commit.gpgsign", "false"); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(scratch, "README"), []byte("init\n"), 0o644); err != nil {
		return err
	}
	if err := run(scratch, "add", "."); err != nil {
		return err
	}
	if err := run(scratch, "commit", "-m", "initial commit"); err != nil {
		return err
	}
	if err := run(scratch, "branch", "-M", "master"); err != nil {
		return err
	}
	if err := run(scratch, "push", "origin", "master"); err != nil {
		return err
	}
	return run(scratch, "push", "origin", "master:master")
}

// scratchClone returns a throwaway working clone of owner/repo, used
// internally by the rest of LocalGit's mutators.
func (lg *LocalGit) scratchClone(owner, repo string) (string, error) {
	dir, err := os.MkdirTemp("", "localgit-scratch-")
	if err != nil {
		return "", err
	}
	if err := run(dir, "clone", lg.repoDir(owner, repo), "."); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	for _, kv := range [][2]string{
		{"user.email", "test@localhost"},
		{"user.name", "test"},
		{"commit.gpgsign", "false"},
	} {
		if err := run(dir, "config", kv[0], kv[1]); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

// CreateBranch creates name at the tip of base and pushes it.
func (lg *LocalGit) CreateBranch(owner, repo, name, base string) error {
	dir, err := lg.scratchClone(owner, repo)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if err := run(dir, "checkout", "-b", name, "origin/"+base); err != nil {
		return err
	}
	return run(dir, "push", "origin", name)
}

// CheckoutNewBranch creates and checks out name at the current HEAD of the
// scratch clone used by subsequent AddCommit/Merge/Rebase calls for this
// (owner, repo); it is a thin convenience kept for parity with the
// teacher's test vocabulary and simply delegates to CreateBranch from
// "master" when no such branch exists yet.
func (lg *LocalGit) CheckoutNewBranch(owner, repo, name string) error {
	return lg.CreateBranch(owner, repo, name, "master")
}

// AddCommit adds one commit with the given file contents on whatever branch
// is currently pushed as the repo's default, then pushes it. files maps
// relative path to contents.
func (lg *LocalGit) AddCommit(owner, repo string, files map[string][]byte) error {
	dir, err := lg.scratchClone(owner, repo)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	branch, err := runOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	for name, contents := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, contents, 0o644); err != nil {
			return err
		}
	}
	if err := run(dir, "add", "."); err != nil {
		return err
	}
	if err := run(dir, "commit", "-m", "test commit"); err != nil {
		return err
	}
	return run(dir, "push", "origin", trimNL(branch))
}

// Checkout checks out branch on the repo's default working clone and
// leaves it as the branch subsequent calls operate against (push target).
func (lg *LocalGit) Checkout(owner, repo, branch string) error {
	// localgit is stateless between calls (each call re-clones); Checkout's
	// only durable effect is ensuring the branch exists locally as a ref
	// that AddCommit et al. can push back to by name.
	dir, err := lg.scratchClone(owner, repo)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	return run(dir, "checkout", branch)
}

// Merge merges src into the repo's current default branch and pushes.
func (lg *LocalGit) Merge(owner, repo, src string) (string, error) {
	dir, err := lg.scratchClone(owner, repo)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	branch, err := runOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if err := run(dir, "merge", "--no-ff", "--no-edit", "origin/"+src); err != nil {
		return "", err
	}
	if err := run(dir, "push", "origin", trimNL(branch)); err != nil {
		return "", err
	}
	return runOutput(dir, "rev-parse", "HEAD")
}

// Rebase rebases the current branch onto src and pushes (force).
func (lg *LocalGit) Rebase(owner, repo, src string) (string, error) {
	dir, err := lg.scratchClone(owner, repo)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	branch, err := runOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if err := run(dir, "rebase", "origin/"+src); err != nil {
		return "", err
	}
	if err := run(dir, "push", "--force", "origin", trimNL(branch)); err != nil {
		return "", err
	}
	return runOutput(dir, "rev-parse", "HEAD")
}

// RevParse resolves ref on the remote bare repository.
func (lg *LocalGit) RevParse(owner, repo, ref string) (string, error) {
	out, err := runOutput(lg.repoDir(owner, repo), "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return trimNL(out), nil
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

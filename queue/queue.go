// Package queue implements the per-version merge queue (spec.md §4.5): a
// family of FIFOs, one per active development version plus a parallel
// hotfix sub-queue, admitting cascade-wide entries and promoting the head
// wavefront atomically once every affected queue branch's build succeeds.
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/branch"
	"github.com/clarketm/gatekeeper/git"
	"github.com/clarketm/gatekeeper/gkerrors"
	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/version"
)

// Entry is one admitted PR's position across every version in its cascade.
type Entry struct {
	PRID      int
	SHA       string
	AdmittedAt time.Time
	Refs      map[string]string // version string -> q/<pr>/<sha>/<version> ref name
}

// Queue holds per-version FIFOs of Entry, plus the hotfix sub-queue, and
// mutates them only through Admit/Promote/Evict so the wavefront rule
// (spec.md §4.5) is always enforced from a single place.
type Queue struct {
	git    *git.Client
	host   host.Host
	owner  string
	slug   string
	logger *logrus.Entry

	fifos       map[string][]*Entry // version string -> FIFO, earliest first
	hotfixFifos map[string][]*Entry

	inconsistent bool
}

// New builds an empty Queue. Call Recover after New to reconstruct state
// from existing q/* refs after a restart (spec.md §4.5: "not persisted as
// state").
func New(g *git.Client, h host.Host, owner, slug string, logger *logrus.Entry) *Queue {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{
		git: g, host: h, owner: owner, slug: slug,
		logger:      logger.WithField("component", "queue"),
		fifos:       map[string][]*Entry{},
		hotfixFifos: map[string][]*Entry{},
	}
}

// Inconsistent reports whether the queue has halted promotions pending a
// manual "reset" (spec.md §4.5/§7).
func (q *Queue) Inconsistent() bool { return q.inconsistent }

// Reset clears the inconsistency flag, letting promotions resume.
func (q *Queue) Reset() { q.inconsistent = false }

func fifoFor(fifos map[string][]*Entry, v version.Version) []*Entry {
	return fifos[v.String()]
}

// Admit pushes a new Entry for prID/sha across every version in cascade,
// creating q/<pr>/<sha>/<version> pointing at the current tip of each
// w/<version>/... integration branch (spec.md §4.5).
func (q *Queue) Admit(ctx context.Context, repo *git.Repo, prID int, sha string, prefix, subname string, cascade []version.Version) (*Entry, error) {
	entry := &Entry{PRID: prID, SHA: sha, AdmittedAt: time.Now(), Refs: map[string]string{}}

	for _, v := range cascade {
		integrationRef := branch.IntegrationName(v, prefix, subname)
		queueRef := branch.QueueName(prID, sha, v)
		if err := repo.CreateBranch(queueRef, integrationRef); err != nil {
			return nil, gkerrors.NewTransientError("queue.CreateBranch", err)
		}
		if err := repo.Push(queueRef); err != nil {
			return nil, gkerrors.NewTransientError("queue.Push", err)
		}
		entry.Refs[v.String()] = queueRef

		fifos := q.fifos
		if v.Hotfix() {
			fifos = q.hotfixFifos
		}
		fifos[v.String()] = append(fifos[v.String()], entry)
	}
	return entry, nil
}

// Occupies reports whether prID already holds an Entry at sha in any FIFO,
// so callers can guard Admit against re-enqueuing the same PR/commit pair
// (spec.md §4.6: re-evaluation must be fully idempotent).
func (q *Queue) Occupies(prID int, sha string) bool {
	for _, fifos := range [2]map[string][]*Entry{q.fifos, q.hotfixFifos} {
		for _, fifo := range fifos {
			for _, e := range fifo {
				if e.PRID == prID && e.SHA == sha {
					return true
				}
			}
		}
	}
	return false
}

// Wavefront returns the distinct entries currently at the head of every
// FIFO they occupy — the set a sweep must evaluate for promotion or
// eviction (spec.md §4.5).
func (q *Queue) Wavefront() []*Entry {
	seen := map[*Entry]bool{}
	var out []*Entry
	for _, fifos := range [2]map[string][]*Entry{q.fifos, q.hotfixFifos} {
		for _, fifo := range fifos {
			if len(fifo) == 0 || seen[fifo[0]] {
				continue
			}
			if q.AtWavefront(fifo[0]) {
				seen[fifo[0]] = true
				out = append(out, fifo[0])
			}
		}
	}
	return out
}

// Depths reports the current FIFO length for every version, for gauge
// instrumentation.
func (q *Queue) Depths() map[string]int {
	out := map[string]int{}
	for vs, fifo := range q.fifos {
		out[vs] = len(fifo)
	}
	for vs, fifo := range q.hotfixFifos {
		out[vs] = len(fifo)
	}
	return out
}

// AtWavefront reports whether entry is the earliest-admitted entry among
// every version it occupies (spec.md §4.5's wavefront rule).
func (q *Queue) AtWavefront(entry *Entry) bool {
	for vs := range entry.Refs {
		fifos := q.fifos
		if isHotfixVersionString(vs) {
			fifos = q.hotfixFifos
		}
		fifo := fifos[vs]
		if len(fifo) == 0 || fifo[0] != entry {
			return false
		}
	}
	return true
}

func isHotfixVersionString(vs string) bool {
	v, err := version.Parse(vs)
	return err == nil && v.Hotfix()
}

// BuildState is the aggregate state of an entry's queue branches, folding
// every per-version build status down to the worst-case classification
// the promotion state machine needs (spec.md §4.5).
type BuildState int

const (
	BuildPending BuildState = iota
	BuildAllGreen
	BuildFailed
)

// Evaluate fetches the build status of entry's queue branches for
// buildKey and classifies the result.
func (q *Queue) Evaluate(ctx context.Context, buildKey string, entry *Entry) (BuildState, error) {
	allGreen := true
	for _, ref := range entry.Refs {
		sha, err := q.refTipSHA(ctx, ref)
		if err != nil {
			return BuildPending, err
		}
		status, err := q.host.GetBuildStatus(ctx, q.owner, q.slug, sha, buildKey)
		if err != nil {
			return BuildPending, gkerrors.NewTransientError("queue.GetBuildStatus", err)
		}
		switch status.State {
		case host.Successful:
			continue
		case host.Failed, host.Stopped:
			return BuildFailed, nil
		default:
			allGreen = false
		}
	}
	if allGreen {
		return BuildAllGreen, nil
	}
	return BuildPending, nil
}

func (q *Queue) refTipSHA(ctx context.Context, ref string) (string, error) {
	repo, err := q.git.Clone(fmt.Sprintf("%s/%s", q.owner, q.slug))
	if err != nil {
		return "", err
	}
	defer repo.Clean()
	if err := repo.FetchRef(ref); err != nil {
		return "", gkerrors.NewTransientError("queue.FetchRef", err)
	}
	return repo.RevParse("FETCH_HEAD")
}

// Promote fast-forwards every development/<v> to entry's queue branch tip
// as a single atomic multi-ref push, deletes the entry's q/* refs, and
// pops it from every FIFO it occupied (spec.md §4.5 step Promotion).
// Degraded mode (no atomic push support) is signaled by the caller setting
// atomic=false; on partial failure the queue halts via Inconsistent.
func (q *Queue) Promote(ctx context.Context, repo *git.Repo, entry *Entry, atomic bool) error {
	refspecs := map[string]string{}
	for vs, queueRef := range entry.Refs {
		local := "queue-promote-" + vs
		if err := repo.CreateBranch(local, queueRef); err != nil {
			return gkerrors.NewTransientError("queue.CreateBranch", err)
		}
		v, err := version.Parse(vs)
		if err != nil {
			return gkerrors.NewTransientError("queue.ParseVersion", err)
		}
		refspecs[local] = branch.DevelopmentName(v)
	}

	if atomic {
		if err := repo.PushAllAtomic(refspecs); err != nil {
			return gkerrors.NewTransientError("queue.PushAllAtomic", err)
		}
	} else {
		advanced, err := repo.PushAllSequential(refspecs)
		if err != nil {
			q.inconsistent = true
			var failed []string
			for _, remote := range refspecs {
				found := false
				for _, a := range advanced {
					if a == remote {
						found = true
					}
				}
				if !found {
					failed = append(failed, remote)
				}
			}
			return &gkerrors.QueueInconsistencyError{Advanced: advanced, Failed: failed}
		}
	}

	for vs, queueRef := range entry.Refs {
		if err := repo.DeleteRemoteRef(queueRef, branch.DeletionAllowed); err != nil {
			q.logger.WithError(err).WithField("ref", queueRef).Warn("failed to delete promoted queue ref")
		}
		q.popEntry(vs, entry)
	}
	if err := q.host.Merge(ctx, q.owner, q.slug, entry.PRID, entry.SHA); err != nil {
		return gkerrors.NewTransientError("queue.Merge", err)
	}
	return nil
}

// Evict removes entry from every FIFO it occupies and deletes its q/* refs
// (spec.md §4.5's head-of-line-blocking eviction).
func (q *Queue) Evict(repo *git.Repo, entry *Entry) error {
	for vs, queueRef := range entry.Refs {
		if err := repo.DeleteRemoteRef(queueRef, branch.DeletionAllowed); err != nil {
			return gkerrors.NewTransientError("queue.DeleteRemoteRef", err)
		}
		q.popEntry(vs, entry)
	}
	return nil
}

func (q *Queue) popEntry(vs string, entry *Entry) {
	fifos := q.fifos
	if isHotfixVersionString(vs) {
		fifos = q.hotfixFifos
	}
	fifo := fifos[vs]
	out := fifo[:0]
	for _, e := range fifo {
		if e != entry {
			out = append(out, e)
		}
	}
	fifos[vs] = out
}

// Recover reconstructs every Entry by enumerating q/<pr>/<sha>/<version>
// refs, grouping by pr, and ordering entries by the earliest ref's
// creation time — falling back to pr id when times collide (spec.md §4.5:
// "Queue recovery on restart").
func (q *Queue) Recover(ctx context.Context, refs []RemoteRef) {
	byPR := map[int]*Entry{}
	earliest := map[int]time.Time{}

	for _, r := range refs {
		name := branch.Parse(r.Name)
		if name.Kind != branch.Queue {
			continue
		}
		e, ok := byPR[name.PRID]
		if !ok {
			e = &Entry{PRID: name.PRID, SHA: name.SHA, Refs: map[string]string{}}
			byPR[name.PRID] = e
			earliest[name.PRID] = r.CreatedAt
		} else if r.CreatedAt.Before(earliest[name.PRID]) {
			earliest[name.PRID] = r.CreatedAt
		}
		e.Refs[name.Version.String()] = r.Name
	}

	var entries []*Entry
	for pr, e := range byPR {
		e.AdmittedAt = earliest[pr]
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].AdmittedAt.Equal(entries[j].AdmittedAt) {
			return entries[i].AdmittedAt.Before(entries[j].AdmittedAt)
		}
		return entries[i].PRID < entries[j].PRID
	})

	q.fifos = map[string][]*Entry{}
	q.hotfixFifos = map[string][]*Entry{}
	for _, e := range entries {
		for vs := range e.Refs {
			fifos := q.fifos
			if isHotfixVersionString(vs) {
				fifos = q.hotfixFifos
			}
			fifos[vs] = append(fifos[vs], e)
		}
	}
}

// RemoteRef is a minimal ref descriptor used by Recover; the caller
// obtains these by listing the mirror's refs (e.g. `git for-each-ref`) and
// their commit timestamps.
type RemoteRef struct {
	Name      string
	CreatedAt time.Time
}

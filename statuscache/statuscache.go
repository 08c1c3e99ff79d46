// Package statuscache memoizes build-status lookups keyed by (sha,
// ci-context), with positive-only caching for SUCCESSFUL results and
// singleflight collapsing of concurrent identical lookups (spec.md §5,
// §8 invariant 5).
package statuscache

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/clarketm/gatekeeper/host"
)

type key struct {
	sha, ciContext string
}

// Fetcher is the underlying, possibly expensive, status lookup — normally
// host.Host.GetBuildStatus bound to one (owner, slug).
type Fetcher func(ctx context.Context, sha, ciContext string) (*host.BuildStatus, error)

// Cache is an LRU of (sha, context) -> BuildStatus entries. Only
// host.Successful results are cached; every other state is always
// re-fetched, since build status can still transition away from
// NOTSTARTED/INPROGRESS/FAILED but never away from SUCCESSFUL for a given
// immutable commit.
type Cache struct {
	fetch   Fetcher
	maxSize int

	mu    sync.Mutex
	items map[key]*list.Element
	order *list.List // front = most recently used

	group singleflight.Group
}

type entry struct {
	key    key
	status host.BuildStatus
}

// New builds a Cache of at most maxSize positive entries, delegating
// misses to fetch.
func New(maxSize int, fetch Fetcher) *Cache {
	return &Cache{
		fetch:   fetch,
		maxSize: maxSize,
		items:   map[key]*list.Element{},
		order:   list.New(),
	}
}

// Get returns the build status for (sha, ciContext), serving a cached
// SUCCESSFUL result without calling fetch, and collapsing concurrent
// identical misses into a single underlying call via singleflight.
func (c *Cache) Get(ctx context.Context, sha, ciContext string) (*host.BuildStatus, error) {
	k := key{sha: sha, ciContext: ciContext}

	if s, ok := c.lookup(k); ok {
		return &s, nil
	}

	v, err, _ := c.group.Do(k.sha+"|"+k.ciContext, func() (interface{}, error) {
		return c.fetch(ctx, sha, ciContext)
	})
	if err != nil {
		return nil, err
	}
	status := v.(*host.BuildStatus)
	if status.State == host.Successful {
		c.store(k, *status)
	}
	return status, nil
}

func (c *Cache) lookup(k key) (host.BuildStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		return host.BuildStatus{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).status, true
}

func (c *Cache) store(k key, status host.BuildStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		el.Value.(*entry).status = status
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry{key: k, status: status})
	c.items[k] = el
	if c.maxSize > 0 {
		for c.order.Len() > c.maxSize {
			oldest := c.order.Back()
			if oldest == nil {
				break
			}
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}
}

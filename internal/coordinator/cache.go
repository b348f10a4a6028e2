package coordinator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/antoniostano/avatarcall/internal/credentials"
	"github.com/antoniostano/avatarcall/internal/observability"
)

// ResultState is the three-state view of a credential resolution.
type ResultState string

const (
	ResultLoading ResultState = "loading"
	ResultReady   ResultState = "ready"
	ResultError   ResultState = "error"
)

// Result is what a cache lookup observed for one identity.
type Result struct {
	State       ResultState
	Credentials credentials.Credentials
	Err         error
}

type cacheEntry struct {
	result Result
}

// Cache coalesces credential resolutions by identity and keeps the settled
// result, success or failure, until the identity is forgotten. It is safe
// for concurrent use and may be shared by many coordinators.
type Cache struct {
	group   singleflight.Group
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func NewCache(metrics *observability.Metrics) *Cache {
	return &Cache{
		metrics: metrics,
		entries: make(map[string]*cacheEntry),
	}
}

// Load returns the settled result for key, joins the resolution already in
// flight for it, or starts resolve. The shared resolution is detached from
// ctx so one caller giving up does not fail the others; ctx only bounds how
// long this caller waits.
func (c *Cache) Load(ctx context.Context, key string, resolve func(context.Context) (credentials.Credentials, error)) Result {
	c.mu.Lock()
	e, ok := c.entries[key]
	switch {
	case ok && e.result.State != ResultLoading:
		c.mu.Unlock()
		c.metrics.ObserveCacheLookup("hit")
		return e.result
	case ok:
		c.metrics.ObserveCacheLookup("join")
	default:
		e = &cacheEntry{result: Result{State: ResultLoading}}
		c.entries[key] = e
		c.metrics.ObserveCacheLookup("miss")
	}
	// DoChan runs resolve on its own goroutine, so calling it under mu is
	// safe and keeps "entry is loading" and "flight is running" in step.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		creds, err := safeResolve(shared, resolve)
		c.settle(key, e, creds, err)
		return creds, err
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{State: ResultError, Err: res.Err}
		}
		return Result{State: ResultReady, Credentials: res.Val.(credentials.Credentials)}
	case <-ctx.Done():
		return Result{State: ResultError, Err: ctx.Err()}
	}
}

// safeResolve turns a panicking resolver into an error. singleflight would
// otherwise re-panic on its own goroutine where no caller can recover it.
func safeResolve(ctx context.Context, resolve func(context.Context) (credentials.Credentials, error)) (creds credentials.Credentials, err error) {
	defer func() {
		if r := recover(); r != nil {
			creds = credentials.Credentials{}
			err = fmt.Errorf("credential resolver panicked: %v", r)
		}
	}()
	return resolve(ctx)
}

// settle records the outcome unless the entry was forgotten meanwhile.
func (c *Cache) settle(key string, e *cacheEntry, creds credentials.Credentials, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] != e {
		return
	}
	if err != nil {
		e.result = Result{State: ResultError, Err: err}
		return
	}
	e.result = Result{State: ResultReady, Credentials: creds}
}

// Forget drops key so the next Load resolves again. A resolution still in
// flight for key finishes but its result is not cached.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

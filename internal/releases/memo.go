package releases

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/danielolaszy/relmark/internal/linkheader"
	"github.com/danielolaszy/relmark/internal/logging"
	"github.com/danielolaszy/relmark/pkg/models"
)

// DefaultMemoSize bounds the number of cached pages.
const DefaultMemoSize = 256

type page struct {
	releases []models.Release
	links    linkheader.Links
}

type fetchFunc func(ctx context.Context) ([]models.Release, linkheader.Links, error)

// Memo deduplicates page fetches by request key. Concurrent callers with the
// same key share one in-flight request and successful pages are kept in an
// LRU cache. Failures are never cached.
type Memo struct {
	group singleflight.Group
	cache *lru.Cache[string, page]
}

// NewMemo creates a Memo holding at most size pages.
func NewMemo(size int) (*Memo, error) {
	if size <= 0 {
		size = DefaultMemoSize
	}
	cache, err := lru.New[string, page](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}
	return &Memo{cache: cache}, nil
}

// Do returns the cached page for key or runs fetch, sharing the call with
// concurrent callers of the same key.
func (m *Memo) Do(ctx context.Context, key string, fetch fetchFunc) ([]models.Release, linkheader.Links, error) {
	if cached, ok := m.cache.Get(key); ok {
		logging.Debug("release page served from cache", "key", key)
		return cached.releases, cached.links, nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		releases, links, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		p := page{releases: releases, links: links}
		m.cache.Add(key, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The shared call ran on another caller's context. If that one
			// was cancelled while ours is alive, fetch on our own.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && res.Shared {
				return m.Do(ctx, key, fetch)
			}
			return nil, nil, res.Err
		}
		p := res.Val.(page)
		return p.releases, p.links, nil
	}
}

// Len returns the number of cached pages.
func (m *Memo) Len() int {
	return m.cache.Len()
}

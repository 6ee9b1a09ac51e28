// Package releases fetches release records page by page and derives the
// release marker series drawn on time-series charts.
//
// A Provider owns one fetch loop at a time. Every loop carries the
// generation it was started with; results are applied only while that
// generation is current and the provider is open, so a loop abandoned by a
// criteria change or by Close can never touch newer state.
package releases

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"sync"

	"github.com/danielolaszy/relmark/internal/linkheader"
	"github.com/danielolaszy/relmark/internal/logging"
	"github.com/danielolaszy/relmark/internal/pending"
	"github.com/danielolaszy/relmark/pkg/models"
)

// ErrorFetchingReleases is the notification shown when a page fails to load.
const ErrorFetchingReleases = "Error fetching releases"

// Source returns pages of releases for a query. A source may be shared by
// several providers; each provider aborts only its own requests.
type Source interface {
	ListReleases(ctx context.Context, org models.Organization, query url.Values) ([]models.Release, linkheader.Links, error)
}

// Notifier surfaces user-visible messages.
type Notifier interface {
	Error(msg string)
}

// LogNotifier reports notifications through the application log.
type LogNotifier struct{}

// Error logs msg at error level.
func (LogNotifier) Error(msg string) {
	logging.Error("notification", "message", msg)
}

// State is what subscribers render. Releases is nil until the first page
// has arrived.
type State struct {
	Releases      []models.Release `json:"releases" yaml:"releases"`
	ReleaseSeries []Series         `json:"releaseSeries" yaml:"releaseSeries"`
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	Organization models.Organization
	Criteria     FilterCriteria

	// Releases, when non-nil, are published as is and nothing is fetched.
	Releases []models.Release

	// Memoized deduplicates identical page requests through Memo. A private
	// Memo is created when none is given.
	Memoized bool
	Memo     *Memo

	Derive   DeriveOptions
	Notifier Notifier

	// Render receives every published state. Calls are serialized.
	Render func(State)
}

// Provider keeps a release list and its derived series in sync with the
// filter criteria.
type Provider struct {
	source   Source
	org      models.Organization
	preset   []models.Release
	memo     *Memo
	derive   DeriveOptions
	notifier Notifier
	render   func(State)
	log      *slog.Logger

	// inflight holds this provider's requests only
	inflight pending.Tracker

	// publishMu serializes state changes with their Render call.
	publishMu sync.Mutex

	mu         sync.Mutex
	criteria   FilterCriteria
	generation uint64
	started    bool
	closed     bool
	base       context.Context
	cancel     context.CancelFunc
	releases   []models.Release
	series     []Series

	wg sync.WaitGroup
}

// NewProvider creates a provider reading from source. It does nothing until Start.
func NewProvider(source Source, opts ProviderOptions) *Provider {
	p := &Provider{
		source:   source,
		org:      opts.Organization,
		preset:   opts.Releases,
		derive:   opts.Derive,
		notifier: opts.Notifier,
		render:   opts.Render,
		log:      logging.With("organization", opts.Organization.Slug),
		criteria: opts.Criteria,
		series:   []Series{},
	}
	if p.derive.Organization.Slug == "" {
		p.derive.Organization = opts.Organization
	}
	if p.notifier == nil {
		p.notifier = LogNotifier{}
	}
	if opts.Memoized {
		p.memo = opts.Memo
		if p.memo == nil {
			// NewMemo only fails on a non-positive size, which it replaces
			p.memo, _ = NewMemo(DefaultMemoSize)
		}
	}
	return p
}

// Start publishes the initial state and begins fetching. Releases supplied
// up front are published once instead. Start is a no-op after the first call
// or after Close.
func (p *Provider) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.base = ctx
	gen := p.generation
	criteria := p.criteria
	p.mu.Unlock()

	p.inflight.Clear()

	if p.preset != nil {
		releases := slices.Clone(p.preset)
		p.commit(gen, func() {
			p.releases = releases
			p.series = []Series{Derive(releases, p.deriveOptionsLocked())}
		})
		return
	}

	p.commit(gen, func() {})
	p.spawn(gen, criteria)
}

// SetCriteria applies new filter criteria. A change to projects,
// environments, start, end or period abandons the running loop and fetches
// from scratch; a change to UTC alone only re-derives the series.
func (p *Provider) SetCriteria(criteria FilterCriteria) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	previous := p.criteria
	p.criteria = criteria
	if !p.started {
		return
	}

	if previous.Equal(criteria) {
		if previous.UTC != criteria.UTC && p.releases != nil {
			p.rederiveLocked()
		}
		return
	}

	if p.preset != nil {
		return
	}

	p.log.Debug("release criteria changed, refetching",
		"generation", p.generation+1)

	if p.cancel != nil {
		p.cancel()
	}
	p.generation++
	p.releases = nil
	p.series = []Series{}
	p.spawnLocked(p.generation, criteria)
}

// Close stops all fetching. Nothing is published afterwards, even for
// requests that complete later.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.inflight.Clear()
}

// Wait blocks until every background loop has returned.
func (p *Provider) Wait() {
	p.wg.Wait()
}

// State returns a copy of the current state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Provider) spawn(gen uint64, criteria FilterCriteria) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawnLocked(gen, criteria)
}

func (p *Provider) spawnLocked(gen uint64, criteria FilterCriteria) {
	if p.closed || gen != p.generation {
		return
	}
	ctx, cancel := context.WithCancel(p.base)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, gen, criteria)
	}()
}

// rederiveLocked republishes the series from the current releases. It runs
// the publish in the background because the caller may be inside Render.
func (p *Provider) rederiveLocked() {
	gen := p.generation
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.commit(gen, func() {
			p.series = []Series{Derive(p.releases, p.deriveOptionsLocked())}
		})
	}()
}

func (p *Provider) run(ctx context.Context, gen uint64, criteria FilterCriteria) {
	query := QueryParams(criteria)
	var accumulated []models.Release

	for {
		batch, links, err := p.fetch(ctx, query)
		if err != nil {
			if ctx.Err() != nil || !p.active(gen) {
				p.log.Debug("discarding result of abandoned release fetch",
					"generation", gen)
				return
			}
			p.log.Error("failed to fetch releases",
				"cursor", query.Get("cursor"),
				"error", err)
			p.notifier.Error(ErrorFetchingReleases)
			return
		}

		accumulated = append(accumulated, batch...)
		releases := slices.Clone(accumulated)
		ok := p.commit(gen, func() {
			p.releases = releases
			p.series = []Series{Derive(releases, p.deriveOptionsLocked())}
		})
		if !ok {
			return
		}

		next, more := links.Next()
		if !more {
			p.log.Debug("release fetch complete",
				"count", len(accumulated))
			return
		}

		query = cloneValues(query)
		query.Set("cursor", next.Cursor)
	}
}

func (p *Provider) fetch(ctx context.Context, query url.Values) ([]models.Release, linkheader.Links, error) {
	ctx, done := p.inflight.Track(ctx)
	defer done()

	call := func(ctx context.Context) ([]models.Release, linkheader.Links, error) {
		return p.source.ListReleases(ctx, p.org, query)
	}
	if p.memo == nil {
		return call(ctx)
	}
	return p.memo.Do(ctx, p.org.Slug+"?"+CanonicalKey(query), call)
}

// commit applies mutate and renders the result if gen is still current and
// the provider is open. It reports whether the change was applied.
func (p *Provider) commit(gen uint64, mutate func()) bool {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	if p.closed || gen != p.generation {
		p.mu.Unlock()
		return false
	}
	mutate()
	state := p.snapshotLocked()
	p.mu.Unlock()

	if p.render != nil {
		p.render(state)
	}
	return true
}

func (p *Provider) active(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && gen == p.generation
}

func (p *Provider) deriveOptionsLocked() DeriveOptions {
	opts := p.derive
	opts.UTC = p.criteria.UTC
	return opts
}

func (p *Provider) snapshotLocked() State {
	return State{
		Releases:      slices.Clone(p.releases),
		ReleaseSeries: slices.Clone(p.series),
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = slices.Clone(vals)
	}
	return out
}

package releases

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/danielolaszy/relmark/internal/linkheader"
	"github.com/danielolaszy/relmark/internal/sentry"
	"github.com/danielolaszy/relmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves pages from handle and records every query.
type fakeSource struct {
	mu     sync.Mutex
	calls  []url.Values
	handle func(ctx context.Context, query url.Values) ([]models.Release, linkheader.Links, error)
}

func (f *fakeSource) ListReleases(ctx context.Context, _ models.Organization, query url.Values) ([]models.Release, linkheader.Links, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()
	return f.handle(ctx, query)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) render(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// data returns the published states that carry releases.
func (r *recorder) data() []State {
	var out []State
	for _, s := range r.all() {
		if s.Releases != nil {
			out = append(out, s)
		}
	}
	return out
}

type countingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *countingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *countingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func release(version string, day int) models.Release {
	return models.Release{Version: version, Date: time.Date(2024, 3, day, 12, 0, 0, 0, time.UTC)}
}

func nextLink(cursor string, results bool) linkheader.Links {
	return linkheader.Links{"next": {Rel: "next", Cursor: cursor, Results: results}}
}

func versions(releases []models.Release) []string {
	out := make([]string, 0, len(releases))
	for _, r := range releases {
		out = append(out, r.Version)
	}
	return out
}

var acme = models.Organization{Slug: "acme"}

func TestScenarioSinglePage(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`[
			{"version":"1.0.0","date":"2024-03-01T12:00:00Z"},
			{"version":"1.1.0","date":"2024-03-02T12:00:00Z"}
		]`))
	}))
	defer server.Close()

	client, err := sentry.New(server.URL)
	require.NoError(t, err)

	rec := &recorder{}
	p := NewProvider(client, ProviderOptions{
		Organization: acme,
		Criteria:     FilterCriteria{Period: "14d", Projects: []int{1}},
		Render:       rec.render,
	})
	p.Start(context.Background())
	p.Wait()

	states := rec.all()
	require.NotEmpty(t, states)
	assert.Nil(t, states[0].Releases, "initial render happens before any page")

	data := rec.data()
	require.Len(t, data, 1)
	assert.Len(t, data[0].Releases, 2)
	require.Len(t, data[0].ReleaseSeries, 1)
	assert.Len(t, data[0].ReleaseSeries[0].MarkLine.Data, 2)

	assert.Equal(t, "14d", gotQuery.Get("statsPeriod"))
	assert.Equal(t, []string{"1"}, gotQuery["project"])
	assert.Empty(t, gotQuery.Get("cursor"))
}

func TestScenarioTwoPages(t *testing.T) {
	var mu sync.Mutex
	var cursors []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		mu.Lock()
		cursors = append(cursors, cursor)
		mu.Unlock()

		if cursor == "" {
			w.Header().Set("Link", `<http://x/?cursor=0:0:1>; rel="previous"; results="false"; cursor="0:0:1", `+
				`<http://x/?cursor=0:100:0>; rel="next"; results="true"; cursor="0:100:0"`)
			_, _ = w.Write([]byte(`[{"version":"1.0.0","date":"2024-03-01T12:00:00Z"}]`))
			return
		}
		w.Header().Set("Link", `<http://x/?cursor=0:0:1>; rel="previous"; results="true"; cursor="0:0:1", `+
			`<http://x/?cursor=0:200:0>; rel="next"; results="false"; cursor="0:200:0"`)
		_, _ = w.Write([]byte(`[{"version":"1.1.0","date":"2024-03-02T12:00:00Z"}]`))
	}))
	defer server.Close()

	client, err := sentry.New(server.URL)
	require.NoError(t, err)

	rec := &recorder{}
	p := NewProvider(client, ProviderOptions{
		Organization: acme,
		Criteria:     FilterCriteria{Period: "14d"},
		Render:       rec.render,
	})
	p.Start(context.Background())
	p.Wait()

	data := rec.data()
	require.Len(t, data, 2)
	assert.Equal(t, []string{"1.0.0"}, versions(data[0].Releases))
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, versions(data[1].Releases))
	assert.Len(t, data[1].ReleaseSeries[0].MarkLine.Data, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "0:100:0"}, cursors)
}

func TestScenarioServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := sentry.New(server.URL)
	require.NoError(t, err)

	rec := &recorder{}
	notifier := &countingNotifier{}
	p := NewProvider(client, ProviderOptions{
		Organization: acme,
		Criteria:     FilterCriteria{Period: "14d"},
		Notifier:     notifier,
		Render:       rec.render,
	})
	p.Start(context.Background())
	p.Wait()

	assert.Empty(t, rec.data())
	assert.Equal(t, []string{ErrorFetchingReleases}, notifier.all())
	assert.Nil(t, p.State().Releases)
}

func TestPaginationTerminates(t *testing.T) {
	const pages = 4
	src := &fakeSource{handle: func(_ context.Context, query url.Values) ([]models.Release, linkheader.Links, error) {
		n := 0
		if c := query.Get("cursor"); c != "" {
			_, _ = fmt.Sscanf(c, "page-%d", &n)
		}
		links := nextLink(fmt.Sprintf("page-%d", n+1), n+1 < pages)
		return []models.Release{release(fmt.Sprintf("v%d", n), n+1)}, links, nil
	}}

	rec := &recorder{}
	p := NewProvider(src, ProviderOptions{Organization: acme, Render: rec.render})
	p.Start(context.Background())
	p.Wait()

	assert.Equal(t, pages, src.callCount())

	data := rec.data()
	require.Len(t, data, pages)
	for i := 1; i < len(data); i++ {
		prev, cur := data[i-1].Releases, data[i].Releases
		require.Len(t, cur, len(prev)+1)
		assert.Equal(t, prev, cur[:len(prev)], "published lists only grow")
	}
	assert.Equal(t, []string{"v0", "v1", "v2", "v3"}, versions(p.State().Releases))
}

func TestMissingNextLinkEndsLoop(t *testing.T) {
	src := &fakeSource{handle: func(context.Context, url.Values) ([]models.Release, linkheader.Links, error) {
		return []models.Release{release("v1", 1)}, linkheader.Links{}, nil
	}}
	notifier := &countingNotifier{}

	p := NewProvider(src, ProviderOptions{Organization: acme, Notifier: notifier})
	p.Start(context.Background())
	p.Wait()

	assert.Equal(t, 1, src.callCount())
	assert.Empty(t, notifier.all())
}

func TestErrorKeepsEarlierPages(t *testing.T) {
	src := &fakeSource{handle: func(_ context.Context, query url.Values) ([]models.Release, linkheader.Links, error) {
		if query.Get("cursor") == "" {
			return []models.Release{release("v1", 1)}, nextLink("c1", true), nil
		}
		return nil, nil, fmt.Errorf("connection reset")
	}}
	notifier := &countingNotifier{}
	rec := &recorder{}

	p := NewProvider(src, ProviderOptions{Organization: acme, Notifier: notifier, Render: rec.render})
	p.Start(context.Background())
	p.Wait()

	assert.Equal(t, 2, src.callCount())
	assert.Len(t, rec.data(), 1)
	assert.Equal(t, []string{"v1"}, versions(p.State().Releases))
	assert.Equal(t, []string{ErrorFetchingReleases}, notifier.all())
}

func TestCloseDiscardsInFlightPage(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	src := &fakeSource{handle: func(context.Context, url.Values) ([]models.Release, linkheader.Links, error) {
		close(started)
		<-unblock
		// resolves successfully even though the provider is gone
		return []models.Release{release("late", 1)}, nil, nil
	}}
	rec := &recorder{}
	notifier := &countingNotifier{}

	p := NewProvider(src, ProviderOptions{Organization: acme, Render: rec.render, Notifier: notifier})
	p.Start(context.Background())
	<-started

	p.Close()
	close(unblock)
	p.Wait()

	assert.Len(t, rec.all(), 1, "only the initial render")
	assert.Empty(t, rec.data())
	assert.Nil(t, p.State().Releases)
	assert.Empty(t, notifier.all())
	assert.Equal(t, 0, p.inflight.Len())
}

func TestCloseCancelsRequestContext(t *testing.T) {
	started := make(chan struct{})
	src := &fakeSource{handle: func(ctx context.Context, _ url.Values) ([]models.Release, linkheader.Links, error) {
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}}
	notifier := &countingNotifier{}

	p := NewProvider(src, ProviderOptions{Organization: acme, Notifier: notifier})
	p.Start(context.Background())
	<-started
	p.Close()
	p.Wait()

	assert.Empty(t, notifier.all(), "cancellation is not a fetch failure")
}

func TestCriteriaChangeResetsAccumulator(t *testing.T) {
	staleStarted := make(chan struct{})
	staleUnblock := make(chan struct{})
	src := &fakeSource{handle: func(_ context.Context, query url.Values) ([]models.Release, linkheader.Links, error) {
		switch query.Get("project") {
		case "1":
			if query.Get("cursor") == "" {
				return []models.Release{release("p1-a", 1)}, nextLink("c1", true), nil
			}
			// second page of the first loop arrives after the criteria change
			close(staleStarted)
			<-staleUnblock
			return []models.Release{release("p1-b", 2)}, nil, nil
		default:
			return []models.Release{release("p2-a", 3)}, nil, nil
		}
	}}
	rec := &recorder{}

	p := NewProvider(src, ProviderOptions{
		Organization: acme,
		Criteria:     FilterCriteria{Projects: []int{1}},
		Render:       rec.render,
	})
	p.Start(context.Background())
	<-staleStarted

	require.Len(t, rec.data(), 1)
	assert.Equal(t, []string{"p1-a"}, versions(p.State().Releases))

	p.SetCriteria(FilterCriteria{Projects: []int{2}})
	close(staleUnblock)
	p.Wait()

	data := rec.data()
	require.Len(t, data, 2)
	assert.Equal(t, []string{"p2-a"}, versions(data[1].Releases), "no mixing of old and new results")
	assert.Equal(t, []string{"p2-a"}, versions(p.State().Releases))
}

func TestCriteriaChangeClearsStateImmediately(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	src := &fakeSource{handle: func(ctx context.Context, query url.Values) ([]models.Release, linkheader.Links, error) {
		if query.Get("project") == "2" {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, nil, ctx.Err()
		}
		return []models.Release{release("p1", 1)}, nil, nil
	}}

	p := NewProvider(src, ProviderOptions{Organization: acme, Criteria: FilterCriteria{Projects: []int{1}}})
	p.Start(context.Background())
	p.Wait()
	require.Len(t, p.State().Releases, 1)

	p.SetCriteria(FilterCriteria{Projects: []int{2}})
	assert.Nil(t, p.State().Releases)

	p.Close()
	p.Wait()
}

func TestEquivalentCriteriaDoNotRefetch(t *testing.T) {
	src := &fakeSource{handle: func(context.Context, url.Values) ([]models.Release, linkheader.Links, error) {
		return []models.Release{release("v1", 1)}, nil, nil
	}}

	p := NewProvider(src, ProviderOptions{Organization: acme, Criteria: FilterCriteria{Projects: []int{1, 2}}})
	p.Start(context.Background())
	p.Wait()

	p.SetCriteria(FilterCriteria{Projects: []int{2, 1}})
	p.Wait()

	assert.Equal(t, 1, src.callCount())
}

func TestUTCChangeRederivesWithoutFetch(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{}

	p := NewProvider(src, ProviderOptions{
		Organization: acme,
		Releases:     []models.Release{release("1.0.0", 4)},
		Derive:       DeriveOptions{Location: time.FixedZone("UTC+2", 2*60*60)},
		Render:       rec.render,
	})
	p.Start(context.Background())
	p.SetCriteria(FilterCriteria{UTC: true})
	p.Wait()

	states := rec.all()
	require.Len(t, states, 2)
	assert.Contains(t, states[0].ReleaseSeries[0].MarkLine.Data[0].Tooltip, "2:00 PM")
	assert.Contains(t, states[1].ReleaseSeries[0].MarkLine.Data[0].Tooltip, "12:00 PM")
	assert.Equal(t, 0, src.callCount())
}

func TestPresuppliedReleasesSkipFetch(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{}

	p := NewProvider(src, ProviderOptions{
		Organization: acme,
		Releases:     []models.Release{release("1.0.0", 1), release("1.1.0", 2)},
		Render:       rec.render,
	})
	p.Start(context.Background())
	p.SetCriteria(FilterCriteria{Projects: []int{5}})
	p.Wait()

	states := rec.all()
	require.Len(t, states, 1)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, versions(states[0].Releases))
	assert.Len(t, states[0].ReleaseSeries[0].MarkLine.Data, 2)
	assert.Equal(t, 0, src.callCount())
}

func TestMemoizedProvidersShareRequests(t *testing.T) {
	src := &fakeSource{handle: func(_ context.Context, query url.Values) ([]models.Release, linkheader.Links, error) {
		if query.Get("cursor") == "" {
			return []models.Release{release("v1", 1)}, nextLink("c1", true), nil
		}
		return []models.Release{release("v2", 2)}, nil, nil
	}}
	memo, err := NewMemo(16)
	require.NoError(t, err)

	for _, projects := range [][]int{{1, 2}, {2, 1}} {
		rec := &recorder{}
		p := NewProvider(src, ProviderOptions{
			Organization: acme,
			Criteria:     FilterCriteria{Projects: projects, Period: "14d"},
			Memoized:     true,
			Memo:         memo,
			Render:       rec.render,
		})
		p.Start(context.Background())
		p.Wait()

		assert.Equal(t, []string{"v1", "v2"}, versions(p.State().Releases))
		assert.Len(t, rec.data(), 2)
	}

	assert.Equal(t, 2, src.callCount(), "one request per page across both providers")
	assert.Equal(t, 2, memo.Len())
}

func TestRenderMayChangeCriteria(t *testing.T) {
	src := &fakeSource{handle: func(_ context.Context, query url.Values) ([]models.Release, linkheader.Links, error) {
		return []models.Release{release("p"+query.Get("project"), 1)}, nil, nil
	}}

	var p *Provider
	var once sync.Once
	p = NewProvider(src, ProviderOptions{
		Organization: acme,
		Criteria:     FilterCriteria{Projects: []int{1}},
		Render: func(s State) {
			if s.Releases != nil {
				once.Do(func() { p.SetCriteria(FilterCriteria{Projects: []int{2}}) })
			}
		},
	})
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		return src.callCount() == 2
	}, 5*time.Second, 10*time.Millisecond)
	p.Wait()

	assert.Equal(t, []string{"p2"}, versions(p.State().Releases))
}

func TestProvidersSharingClientKeepTheirRequests(t *testing.T) {
	slowStarted := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project := r.URL.Query().Get("project")
		if project == "1" {
			once.Do(func() { close(slowStarted) })
			select {
			case <-unblock:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(`[{"version":"p` + project + `","date":"2024-03-04T13:05:00Z"}]`))
	}))
	defer server.Close()

	client, err := sentry.New(server.URL)
	require.NoError(t, err)
	memo, err := NewMemo(16)
	require.NoError(t, err)

	first := &countingNotifier{}
	a := NewProvider(client, ProviderOptions{
		Organization: acme,
		Criteria:     FilterCriteria{Projects: []int{1}},
		Memoized:     true,
		Memo:         memo,
		Notifier:     first,
	})
	a.Start(context.Background())
	<-slowStarted

	second := &countingNotifier{}
	b := NewProvider(client, ProviderOptions{
		Organization: acme,
		Criteria:     FilterCriteria{Projects: []int{2}},
		Memoized:     true,
		Memo:         memo,
		Notifier:     second,
	})
	b.Start(context.Background())
	b.Wait()
	assert.Equal(t, []string{"p2"}, versions(b.State().Releases))
	b.Close()

	close(unblock)
	a.Wait()

	assert.Empty(t, first.all(), "starting or closing another provider must not abort this one")
	assert.Empty(t, second.all())
	assert.Equal(t, []string{"p1"}, versions(a.State().Releases))
}

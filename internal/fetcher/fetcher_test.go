package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/fetcher/extract"
	"github.com/JakeFAU/scrapecache/internal/search"
)

const (
	resultsPage = `<html><body><div class="listing" data-listing-id="1"><h2>2019 Honda Fit</h2>` +
		`<a href="/1">x</a></div></body></html>`
	noResultsPage = `<html><body><p class="no-results">No matches</p></body></html>`
	shellPage     = `<html><body><div id="__next"></div><p class="no-results" hidden></p></body></html>`
)

func testConfig() Config {
	return Config{
		SearchURL: "https://cars.example.com/search?q={query}&page={page}&per={limit}",
		Selectors: extract.DefaultSelectors(),
	}
}

func TestBuildURLEscapesQuery(t *testing.T) {
	t.Parallel()

	got := BuildURL(testConfig().SearchURL, "honda civic&x", 3, 25)
	require.Equal(t, "https://cars.example.com/search?q=honda+civic%26x&page=3&per=25", got)
}

func TestNewChainValidates(t *testing.T) {
	t.Parallel()

	_, err := NewChain(testConfig(), nil, nil, nil, nil)
	require.Error(t, err)
	_, err = NewChain(Config{SearchURL: "https://x/search"}, &fakePages{}, nil, nil, nil)
	require.Error(t, err)
}

func TestChainProbeSuccessSkipsHeadless(t *testing.T) {
	t.Parallel()

	probe := &fakePages{pages: []Page{{StatusCode: 200, Body: []byte(resultsPage)}}}
	headless := &fakePages{}
	throttle := &fakeThrottle{}
	chain, err := NewChain(testConfig(), probe, headless, throttle, zap.NewNop())
	require.NoError(t, err)

	records, err := chain.Fetch(context.Background(), "honda", 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "https://cars.example.com/1", records[0].URL)
	require.Equal(t, 0, headless.callCount())
	require.Equal(t, 1, throttle.waits)
	require.Equal(t, 1, throttle.recovered)
}

func TestChainFallsBackToHeadlessWhenBlocked(t *testing.T) {
	t.Parallel()

	probe := &fakePages{pages: []Page{{
		StatusCode: http.StatusForbidden,
		Headers:    http.Header{"Server": {"cloudflare"}},
	}}}
	headless := &fakePages{pages: []Page{{StatusCode: 200, Body: []byte(resultsPage), Headless: true}}}
	throttle := &fakeThrottle{}
	chain, err := NewChain(testConfig(), probe, headless, throttle, nil)
	require.NoError(t, err)

	records, err := chain.Fetch(context.Background(), "honda", 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, throttle.penalized)
}

func TestChainPromotesShellToHeadless(t *testing.T) {
	t.Parallel()

	probe := &fakePages{pages: []Page{{StatusCode: 200, Body: []byte(shellPage)}}}
	headless := &fakePages{pages: []Page{{StatusCode: 200, Body: []byte(resultsPage)}}}
	chain, err := NewChain(testConfig(), probe, headless, nil, nil)
	require.NoError(t, err)

	records, err := chain.Fetch(context.Background(), "honda", 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, headless.callCount())
}

func TestChainNoResultsMarkerIsEmptySuccess(t *testing.T) {
	t.Parallel()

	probe := &fakePages{pages: []Page{{StatusCode: 200, Body: []byte(noResultsPage)}}}
	chain, err := NewChain(testConfig(), probe, nil, nil, nil)
	require.NoError(t, err)

	records, err := chain.Fetch(context.Background(), "zzzz", 1, 10)
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)
}

func TestChainShellWithoutHeadlessIsEmptyFailure(t *testing.T) {
	t.Parallel()

	probe := &fakePages{pages: []Page{{StatusCode: 200, Body: []byte(shellPage)}}}
	chain, err := NewChain(testConfig(), probe, nil, nil, nil)
	require.NoError(t, err)

	_, err = chain.Fetch(context.Background(), "honda", 1, 10)
	require.Error(t, err)
	var fe *search.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, search.FetchKindEmpty, fe.Kind)
}

func TestChainAllStrategiesFailJoinsErrors(t *testing.T) {
	t.Parallel()

	probe := &fakePages{err: errors.New("connection reset")}
	headless := &fakePages{pages: []Page{{StatusCode: http.StatusTooManyRequests}}}
	chain, err := NewChain(testConfig(), probe, headless, nil, nil)
	require.NoError(t, err)

	_, err = chain.Fetch(context.Background(), "honda", 1, 10)
	require.Error(t, err)
	require.True(t, search.IsBlocked(err))
	require.Contains(t, err.Error(), "connection reset")
}

func TestChainServerErrorIsNetworkFailure(t *testing.T) {
	t.Parallel()

	probe := &fakePages{pages: []Page{{StatusCode: http.StatusBadGateway, Body: []byte("bad gateway")}}}
	chain, err := NewChain(testConfig(), probe, nil, nil, nil)
	require.NoError(t, err)

	_, err = chain.Fetch(context.Background(), "honda", 1, 10)
	require.Error(t, err)
	require.False(t, search.IsBlocked(err))
	var fe *search.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, search.FetchKindNetwork, fe.Kind)
}

func TestChainThrottleErrorStopsStrategy(t *testing.T) {
	t.Parallel()

	probe := &fakePages{pages: []Page{{StatusCode: 200, Body: []byte(resultsPage)}}}
	throttle := &fakeThrottle{err: context.DeadlineExceeded}
	chain, err := NewChain(testConfig(), probe, nil, throttle, nil)
	require.NoError(t, err)

	_, err = chain.Fetch(context.Background(), "honda", 1, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, probe.callCount())
}

type fakePages struct {
	mu    sync.Mutex
	pages []Page
	err   error
	calls int
}

func (f *fakePages) FetchPage(_ context.Context, url string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Page{}, f.err
	}
	if len(f.pages) == 0 {
		return Page{}, errors.New("no page scripted")
	}
	p := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	if p.URL == "" {
		p.URL = url
	}
	return p, nil
}

func (f *fakePages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeThrottle struct {
	err       error
	waits     int
	penalized int
	recovered int
}

func (f *fakeThrottle) Wait(context.Context, string) error {
	f.waits++
	return f.err
}

func (f *fakeThrottle) Penalize(string) { f.penalized++ }

func (f *fakeThrottle) Recover(string) { f.recovered++ }

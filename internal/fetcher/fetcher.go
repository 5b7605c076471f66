// Package fetcher retrieves one page of upstream search results. A Chain runs
// a cheap HTTP probe first and falls back to a headless browser when the
// probe is blocked or only returns a client-rendered shell.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/fetcher/extract"
	"github.com/JakeFAU/scrapecache/internal/retry"
	"github.com/JakeFAU/scrapecache/internal/search"
)

// Page is a raw upstream response.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Headless   bool
}

// PageFetcher performs a single GET of url.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (Page, error)
}

// Throttle paces requests per upstream host.
type Throttle interface {
	Wait(ctx context.Context, url string) error
	Penalize(url string)
	Recover(url string)
}

// Config describes the upstream search endpoint.
type Config struct {
	// SearchURL is a template with {query}, {page} and {limit} placeholders.
	SearchURL      string
	Selectors      extract.Selectors
	ShellThreshold int
}

// Chain implements search.Fetcher.
type Chain struct {
	cfg      Config
	probe    PageFetcher
	headless PageFetcher
	throttle Throttle
	shell    *ShellDetector
	logger   *zap.Logger
}

// NewChain builds a Chain. headless and throttle may be nil.
func NewChain(cfg Config, probe, headless PageFetcher, throttle Throttle, logger *zap.Logger) (*Chain, error) {
	if probe == nil {
		return nil, errors.New("probe fetcher is required")
	}
	if !strings.Contains(cfg.SearchURL, "{query}") {
		return nil, fmt.Errorf("search url %q must contain {query}", cfg.SearchURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		cfg:      cfg,
		probe:    probe,
		headless: headless,
		throttle: throttle,
		shell:    NewShellDetector(cfg.ShellThreshold),
		logger:   logger,
	}, nil
}

// BuildURL expands the search template. The query is query-escaped.
func BuildURL(template, query string, page, limit int) string {
	return strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{page}", strconv.Itoa(page),
		"{limit}", strconv.Itoa(limit),
	).Replace(template)
}

// Fetch returns the records for one page. An empty, non-nil slice means the
// upstream explicitly reported no matches.
func (c *Chain) Fetch(ctx context.Context, query string, page, limit int) ([]search.Record, error) {
	target := BuildURL(c.cfg.SearchURL, query, page, limit)
	strategies := []retry.Strategy[[]search.Record]{{
		Name: "probe",
		Run: func(ctx context.Context) ([]search.Record, error) {
			return c.run(ctx, c.probe, target, true)
		},
	}}
	if c.headless != nil {
		strategies = append(strategies, retry.Strategy[[]search.Record]{
			Name: "headless",
			Run: func(ctx context.Context) ([]search.Record, error) {
				return c.run(ctx, c.headless, target, false)
			},
		})
	}

	res := retry.Strategies(ctx, strategies)
	if !res.Success {
		return nil, fmt.Errorf("fetch %q page %d: %w", query, page, res.Err)
	}
	c.logger.Debug("fetched page",
		zap.String("url", target),
		zap.String("strategy", res.Strategy),
		zap.Int("records", len(res.Value)),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res.Value, nil
}

func (c *Chain) run(ctx context.Context, pf PageFetcher, target string, probe bool) ([]search.Record, error) {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx, target); err != nil {
			return nil, err
		}
	}
	p, err := pf.FetchPage(ctx, target)
	if err != nil {
		return nil, &search.FetchError{Kind: search.FetchKindNetwork, Err: err}
	}
	if source, blocked := DetectBlock(p.StatusCode, p.Headers, p.Body); blocked {
		if c.throttle != nil {
			c.throttle.Penalize(target)
		}
		return nil, &search.FetchError{Kind: search.FetchKindBlocked, Detail: source}
	}
	if p.StatusCode >= http.StatusBadRequest {
		return nil, &search.FetchError{Kind: search.FetchKindNetwork, Detail: "status " + strconv.Itoa(p.StatusCode)}
	}
	if c.throttle != nil {
		c.throttle.Recover(target)
	}

	base := p.URL
	if base == "" {
		base = target
	}
	parsed, err := extract.Parse(p.Body, base, c.cfg.Selectors)
	if err != nil {
		return nil, &search.FetchError{Kind: search.FetchKindEmpty, Err: err}
	}
	// A shell may carry the no-results markup as a template, so the marker
	// only counts on a rendered page.
	shell := probe && c.shell.IsShell(p)
	switch {
	case len(parsed.Records) > 0:
		return parsed.Records, nil
	case shell:
		return nil, &search.FetchError{Kind: search.FetchKindEmpty, Detail: "javascript shell"}
	case parsed.NoResultsMarker:
		return []search.Record{}, nil
	default:
		return nil, &search.FetchError{Kind: search.FetchKindEmpty, Detail: "no records and no empty-results marker"}
	}
}

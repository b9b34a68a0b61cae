package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/onllm-dev/onpulse/internal/api"
	"github.com/onllm-dev/onpulse/internal/metrics"
)

// DateLayout is the ISO calendar date format used for days and ranges.
const DateLayout = "2006-01-02"

// ErrInvalidRange is returned for malformed or inverted date ranges.
var ErrInvalidRange = errors.New("reconcile: invalid date range")

// Fetcher reads one collection endpoint. *api.OuraClient implements it.
type Fetcher interface {
	FetchCollection(ctx context.Context, path string, query url.Values) ([]api.Document, error)
}

// Result is the outcome of reconciling a date range. Cached results are
// shared between callers and must not be mutated.
type Result struct {
	Records    []DailyRecord
	Categories map[Category][]api.Document
	Failures   map[Category]error
}

// AllFailed reports whether every category failed to fetch.
func (r *Result) AllFailed() bool {
	return len(r.Failures) == len(Categories)
}

// Reconciler fetches every category for a range and merges them into
// DailyRecords.
type Reconciler struct {
	fetcher    Fetcher
	strategies map[Category][]Strategy
	logger     *slog.Logger
	cacheTTL   time.Duration
	cacheSize  int
	cache      *expirable.LRU[string, *Result]
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStrategies overrides the endpoint strategies per category.
func WithStrategies(strategies map[Category][]Strategy) Option {
	return func(r *Reconciler) {
		r.strategies = strategies
	}
}

// WithCacheTTL sets how long reconciled ranges are cached. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Reconciler) {
		r.cacheTTL = ttl
	}
}

// WithCacheSize sets the number of cached ranges.
func WithCacheSize(n int) Option {
	return func(r *Reconciler) {
		r.cacheSize = n
	}
}

// New creates a Reconciler.
func New(fetcher Fetcher, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		fetcher:    fetcher,
		strategies: DefaultStrategies,
		logger:     logger,
		cacheTTL:   5 * time.Minute,
		cacheSize:  32,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheTTL > 0 && r.cacheSize > 0 {
		r.cache = expirable.NewLRU[string, *Result](r.cacheSize, nil, r.cacheTTL)
	}
	return r
}

// Purge drops every cached range.
func (r *Reconciler) Purge() {
	if r.cache != nil {
		r.cache.Purge()
		r.logger.Debug("reconcile cache purged")
	}
}

// DailyRecords fetches and merges the inclusive range [start, end]. Category
// failures are recorded in the Result; only cancellation fails the call.
func (r *Reconciler) DailyRecords(ctx context.Context, start, end string) (*Result, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	key := start + "|" + end
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			metrics.ReconcileCacheTotal.WithLabelValues("hit").Inc()
			return cached, nil
		}
		metrics.ReconcileCacheTotal.WithLabelValues("miss").Inc()
	}

	query := url.Values{}
	query.Set("start_date", start)
	query.Set("end_date", end)

	docs := make([][]api.Document, len(Categories))
	errs := make([]error, len(Categories))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range Categories {
		g.Go(func() error {
			docs[i], errs[i] = r.fetchCategory(gctx, c, query)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reconcile: fetching categories: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		Categories: make(map[Category][]api.Document, len(Categories)),
		Failures:   make(map[Category]error),
	}
	for i, c := range Categories {
		if errs[i] != nil {
			result.Failures[c] = errs[i]
			continue
		}
		result.Categories[c] = docs[i]
	}
	result.Records = Merge(result.Categories)

	r.logger.Debug("reconciled range",
		"start", start,
		"end", end,
		"records", len(result.Records),
		"failed_categories", len(result.Failures),
	)

	// Partial results are not cached so a transient failure heals on the next request.
	if r.cache != nil && len(result.Failures) == 0 {
		r.cache.Add(key, result)
	}
	return result, nil
}

// fetchCategory tries each strategy in order; the first success wins.
func (r *Reconciler) fetchCategory(ctx context.Context, c Category, query url.Values) ([]api.Document, error) {
	strategies := r.strategies[c]
	if len(strategies) == 0 {
		return nil, fmt.Errorf("reconcile: no endpoint strategy for %s", c)
	}

	var lastErr error
	for _, s := range strategies {
		docs, err := r.fetcher.FetchCollection(ctx, s.Path, query)
		if err == nil {
			metrics.CategoryFetchTotal.WithLabelValues(string(c), s.Name).Inc()
			return docs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		r.logger.Debug("category endpoint failed, trying next",
			"category", c,
			"endpoint", s.Name,
			"error", err,
		)
		if errors.Is(err, api.ErrNoSession) {
			break
		}
	}

	metrics.CategoryFailuresTotal.WithLabelValues(string(c)).Inc()
	r.logger.Warn("all endpoints failed for category", "category", c, "error", lastErr)
	return nil, lastErr
}

// Merge joins category documents into DailyRecords keyed by readiness days.
// When readiness is empty, activity days are used with scores zeroed.
// The output is sorted by day with duplicates collapsed to the first.
func Merge(byCategory map[Category][]api.Document) []DailyRecord {
	index := make(map[Category]map[string]api.Document, len(Categories))
	for _, c := range []Category{Activity, Sleep, HRV} {
		index[c] = firstByDay(byCategory[c])
	}

	seen := make(map[string]bool)
	var records []DailyRecord

	for _, doc := range byCategory[Readiness] {
		day := doc.Day()
		if day == "" || seen[day] {
			continue
		}
		seen[day] = true
		same := map[Category]api.Document{Readiness: doc}
		for _, c := range []Category{Activity, Sleep, HRV} {
			if d, ok := index[c][day]; ok {
				same[c] = d
			}
		}
		records = append(records, normalize(newDayDocs(day, same)))
	}

	if len(records) == 0 {
		for _, doc := range byCategory[Activity] {
			day := doc.Day()
			if day == "" || seen[day] {
				continue
			}
			seen[day] = true
			records = append(records, activityOnly(day, doc))
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Day < records[j].Day
	})
	return records
}

func firstByDay(docs []api.Document) map[string]api.Document {
	out := make(map[string]api.Document, len(docs))
	for _, d := range docs {
		day := d.Day()
		if day == "" {
			continue
		}
		if _, ok := out[day]; !ok {
			out[day] = d
		}
	}
	return out
}

func validateRange(start, end string) error {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return fmt.Errorf("%w: start %q", ErrInvalidRange, start)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return fmt.Errorf("%w: end %q", ErrInvalidRange, end)
	}
	if e.Before(s) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end, start)
	}
	return nil
}

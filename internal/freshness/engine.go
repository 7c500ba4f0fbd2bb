// Package freshness decides whether cached novel metadata can be reused or
// must be fetched again, and records every fetch outcome in the store.
//
// Successful records are refetched once they are older than a random point
// between RandomRefresh and ForceRefresh; failed records use the much shorter
// RandomRefreshErr/ForceRefreshErr window. The random point is drawn on every
// evaluation so that readers of one stale record do not refetch in lockstep.
package freshness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kalambet/okkake/internal/ncode"
	"github.com/kalambet/okkake/internal/storage"
	"github.com/kalambet/okkake/internal/syosetu"
)

const (
	ForceRefresh     = 24 * time.Hour
	RandomRefresh    = 12 * time.Hour
	ForceRefreshErr  = 2 * time.Hour
	RandomRefreshErr = 1 * time.Hour
)

// Store is the persistence the Engine needs. Implemented by storage.Store.
type Store interface {
	GetNovel(ctx context.Context, category string, code ncode.Ncode) (storage.NovelRecord, error)
	PutNovel(ctx context.Context, rec storage.NovelRecord) error
}

// Fetcher retrieves fresh novel metadata. Implemented by syosetu.Client.
type Fetcher interface {
	Fetch(ctx context.Context, cat syosetu.Category, code ncode.Ncode) (syosetu.Novel, error)
}

// Rand yields uniform samples in [0, 1).
type Rand interface {
	Float64() float64
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Source tells where a Result's payload came from.
type Source int

const (
	// SourceCache means the cached record was fresh enough to reuse.
	SourceCache Source = iota
	// SourceFetch means the payload was just fetched and stored.
	SourceFetch
	// SourceStale means the refetch failed and an older successful record was served.
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceFetch:
		return "fetch"
	case SourceStale:
		return "stale"
	default:
		return "cache"
	}
}

// Result is the novel metadata to serve.
type Result struct {
	Novel     syosetu.Novel
	FetchedAt time.Time
	Source    Source
}

// FetchError is the single failure class for fetching novel metadata, whether
// the failure happened now or was recorded by an earlier attempt.
type FetchError struct {
	Cause     string
	FetchedAt time.Time
	// Cached is true when the error was read back from the store rather than
	// produced by a fetch during this call.
	Cached bool
}

func (e *FetchError) Error() string {
	if e.Cached {
		return fmt.Sprintf("fetch failed at %s: %s", e.FetchedAt.UTC().Format(time.RFC3339), e.Cause)
	}
	return "fetch failed: " + e.Cause
}

// Engine serves novel metadata through the store.
type Engine struct {
	store   Store
	fetcher Fetcher
	rand    Rand
	clock   Clock
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand replaces the jitter source.
func WithRand(r Rand) Option {
	return func(e *Engine) { e.rand = r }
}

// WithClock replaces the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine backed by store and fetcher.
func NewEngine(store Store, fetcher Fetcher, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		fetcher: fetcher,
		rand:    globalRand{},
		clock:   realClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "freshness")
	return e
}

// Threshold returns the instant before which a record must be refetched,
// given a uniform sample u in [0, 1).
func Threshold(now time.Time, hasError bool, u float64) time.Time {
	force, random := ForceRefresh, RandomRefresh
	if hasError {
		force, random = ForceRefreshErr, RandomRefreshErr
	}
	forceAt := now.Add(-force)
	span := now.Add(-random).Sub(forceAt)
	return forceAt.Add(time.Duration(float64(span) * u))
}

// Get returns metadata for a novel, reusing the cache when it is fresh enough.
// A cached error is returned as a *FetchError without refetching until its
// retry window elapses.
func (e *Engine) Get(ctx context.Context, cat syosetu.Category, code ncode.Ncode) (Result, error) {
	now := e.clock.Now()
	log := e.logger.With("category", cat.Subdomain(), "ncode", code.String())

	rec, err := e.store.GetNovel(ctx, cat.Subdomain(), code)
	var prev *storage.NovelRecord
	switch {
	case err == nil:
		prev = &rec
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("reading cache: %w", err)
	}

	var cached syosetu.Novel
	if prev != nil && !prev.HasError {
		if err := json.Unmarshal([]byte(prev.NovelData), &cached); err != nil {
			log.Warn("discarding unreadable cache entry", "error", err)
			prev = nil
		}
	}

	if prev != nil && !prev.FetchedAt.Before(Threshold(now, prev.HasError, e.rand.Float64())) {
		log.Debug("cache hit", "fetched_at", prev.FetchedAt, "has_error", prev.HasError)
		if prev.HasError {
			return Result{}, &FetchError{Cause: prev.Error, FetchedAt: prev.FetchedAt, Cached: true}
		}
		return Result{Novel: cached, FetchedAt: prev.FetchedAt, Source: SourceCache}, nil
	}

	novel, fetchErr := e.fetcher.Fetch(ctx, cat, code)
	if fetchErr == nil {
		e.put(ctx, log, storage.NovelRecord{Category: cat.Subdomain(), Ncode: code, FetchedAt: now}, &novel)
		log.Info("fetched novel", "title", novel.Title, "episodes", len(novel.Subtitles))
		return Result{Novel: novel, FetchedAt: now, Source: SourceFetch}, nil
	}

	if prev != nil && !prev.HasError && !prev.FetchedAt.Before(now.Add(-ForceRefresh)) {
		log.Warn("refetch failed, serving previous data", "error", fetchErr, "fetched_at", prev.FetchedAt)
		return Result{Novel: cached, FetchedAt: prev.FetchedAt, Source: SourceStale}, nil
	}

	log.Warn("fetch failed", "error", fetchErr)
	e.put(ctx, log, storage.NovelRecord{
		Category:  cat.Subdomain(),
		Ncode:     code,
		HasError:  true,
		Error:     fetchErr.Error(),
		FetchedAt: now,
	}, nil)
	return Result{}, &FetchError{Cause: fetchErr.Error(), FetchedAt: now}
}

// put writes rec, encoding novel when non-nil. Write failures are logged and
// otherwise ignored: the caller still gets the outcome of its fetch.
func (e *Engine) put(ctx context.Context, log *slog.Logger, rec storage.NovelRecord, novel *syosetu.Novel) {
	if novel != nil {
		b, err := json.Marshal(novel)
		if err != nil {
			log.Error("encoding novel data", "error", err)
			return
		}
		rec.NovelData = string(b)
	}
	if err := e.store.PutNovel(ctx, rec); err != nil {
		log.Error("writing cache", "error", err)
	}
}

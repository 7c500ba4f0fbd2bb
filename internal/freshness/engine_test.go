package freshness

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/okkake/internal/ncode"
	"github.com/kalambet/okkake/internal/storage"
	"github.com/kalambet/okkake/internal/syosetu"
)

// --- fakes ---

type key struct {
	cat  string
	code ncode.Ncode
}

type memStore struct {
	mu     sync.Mutex
	rows   map[key]storage.NovelRecord
	puts   int
	getErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[key]storage.NovelRecord)}
}

func (m *memStore) GetNovel(_ context.Context, cat string, code ncode.Ncode) (storage.NovelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return storage.NovelRecord{}, m.getErr
	}
	rec, ok := m.rows[key{cat, code}]
	if !ok {
		return storage.NovelRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) PutNovel(_ context.Context, rec storage.NovelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key{rec.Category, rec.Ncode}] = rec
	m.puts++
	return nil
}

type stubFetcher struct {
	novel syosetu.Novel
	err   error
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, _ syosetu.Category, _ ncode.Ncode) (syosetu.Novel, error) {
	f.calls++
	return f.novel, f.err
}

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// --- helpers ---

var (
	testNow  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testCode = ncode.MustParse("n4830bu")
	oldNovel = syosetu.Novel{Title: "old", Author: "a", Subtitles: []string{"one"}}
	newNovel = syosetu.Novel{Title: "new", Author: "a", Subtitles: []string{"one", "two"}}
)

func seedSuccess(t *testing.T, s *memStore, age time.Duration) storage.NovelRecord {
	t.Helper()
	b, err := json.Marshal(oldNovel)
	if err != nil {
		t.Fatal(err)
	}
	rec := storage.NovelRecord{Category: "ncode", Ncode: testCode, NovelData: string(b), FetchedAt: testNow.Add(-age)}
	s.rows[key{"ncode", testCode}] = rec
	return rec
}

func seedError(s *memStore, age time.Duration) storage.NovelRecord {
	rec := storage.NovelRecord{Category: "ncode", Ncode: testCode, HasError: true, Error: "old failure", FetchedAt: testNow.Add(-age)}
	s.rows[key{"ncode", testCode}] = rec
	return rec
}

func newTestEngine(s Store, f Fetcher, u float64) *Engine {
	return NewEngine(s, f, WithRand(fixedRand(u)), WithClock(fixedClock(testNow)))
}

// --- tests ---

func TestGet_NoRecordFetchesAndStores(t *testing.T) {
	s := newMemStore()
	f := &stubFetcher{novel: newNovel}
	e := newTestEngine(s, f, 0.5)

	res, err := e.Get(context.Background(), syosetu.General, testCode)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Source != SourceFetch || res.Novel.Title != "new" {
		t.Errorf("got source=%v title=%q", res.Source, res.Novel.Title)
	}
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
	rec := s.rows[key{"ncode", testCode}]
	if rec.HasError || !rec.FetchedAt.Equal(testNow) {
		t.Errorf("stored record = %+v", rec)
	}
	var stored syosetu.Novel
	if err := json.Unmarshal([]byte(rec.NovelData), &stored); err != nil {
		t.Fatalf("stored payload: %v", err)
	}
	if !reflect.DeepEqual(stored, newNovel) {
		t.Errorf("stored = %+v, want %+v", stored, newNovel)
	}
}

func TestGet_FreshRecordIsReused(t *testing.T) {
	for _, u := range []float64{0, 0.5, 0.999} {
		s := newMemStore()
		seedSuccess(t, s, 11*time.Hour)
		f := &stubFetcher{novel: newNovel}
		e := newTestEngine(s, f, u)

		res, err := e.Get(context.Background(), syosetu.General, testCode)
		if err != nil {
			t.Fatalf("u=%v: Get: %v", u, err)
		}
		if res.Source != SourceCache || res.Novel.Title != "old" {
			t.Errorf("u=%v: source=%v title=%q, want cached old", u, res.Source, res.Novel.Title)
		}
		if f.calls != 0 || s.puts != 0 {
			t.Errorf("u=%v: fetch calls=%d puts=%d, want 0/0", u, f.calls, s.puts)
		}
	}
}

func TestGet_ExpiredRecordIsRefetched(t *testing.T) {
	for _, u := range []float64{0, 0.5, 0.999} {
		s := newMemStore()
		seedSuccess(t, s, 25*time.Hour)
		f := &stubFetcher{novel: newNovel}
		e := newTestEngine(s, f, u)

		res, err := e.Get(context.Background(), syosetu.General, testCode)
		if err != nil {
			t.Fatalf("u=%v: Get: %v", u, err)
		}
		if res.Source != SourceFetch || res.Novel.Title != "new" {
			t.Errorf("u=%v: source=%v title=%q, want fetched new", u, res.Source, res.Novel.Title)
		}
	}
}

func TestGet_JitterDecidesInsideWindow(t *testing.T) {
	// 18h old: threshold is now-24h+12h*u, so u=0.25 keeps it, u=0.75 refetches.
	cases := []struct {
		u    float64
		want Source
	}{
		{0.25, SourceCache},
		{0.75, SourceFetch},
	}
	for _, c := range cases {
		s := newMemStore()
		seedSuccess(t, s, 18*time.Hour)
		e := newTestEngine(s, &stubFetcher{novel: newNovel}, c.u)
		res, err := e.Get(context.Background(), syosetu.General, testCode)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if res.Source != c.want {
			t.Errorf("u=%v: source = %v, want %v", c.u, res.Source, c.want)
		}
	}
}

// refetchProbability estimates P(refetch) for a record of the given age over an even grid of u.
func refetchProbability(age time.Duration, hasError bool) float64 {
	const steps = 1000
	now := testNow
	fetchedAt := now.Add(-age)
	hits := 0
	for i := 0; i < steps; i++ {
		u := float64(i) / steps
		if fetchedAt.Before(Threshold(now, hasError, u)) {
			hits++
		}
	}
	return float64(hits) / steps
}

func TestThresholdMonotonicity(t *testing.T) {
	cases := []struct {
		name          string
		hasError      bool
		lower, higher time.Duration
	}{
		{"success", false, RandomRefresh, ForceRefresh},
		{"error", true, RandomRefreshErr, ForceRefreshErr},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if p := refetchProbability(c.lower-time.Minute, c.hasError); p != 0 {
				t.Errorf("P(refetch) just inside window = %v, want 0", p)
			}
			if p := refetchProbability(c.lower, c.hasError); p != 0 {
				t.Errorf("P(refetch) at lower bound = %v, want 0", p)
			}
			if p := refetchProbability(c.higher+time.Minute, c.hasError); p != 1 {
				t.Errorf("P(refetch) past upper bound = %v, want 1", p)
			}
			span := c.higher - c.lower
			prev := -1.0
			for i := 1; i < 10; i++ {
				age := c.lower + span*time.Duration(i)/10
				p := refetchProbability(age, c.hasError)
				if p <= prev {
					t.Errorf("P(refetch) not increasing at age %v: %v <= %v", age, p, prev)
				}
				if p <= 0 || p >= 1 {
					t.Errorf("P(refetch) at age %v = %v, want strictly between 0 and 1", age, p)
				}
				prev = p
			}
		})
	}
}

func TestGet_CachedErrorIsSurfaced(t *testing.T) {
	s := newMemStore()
	rec := seedError(s, 30*time.Minute)
	f := &stubFetcher{novel: newNovel}
	e := newTestEngine(s, f, 0.999)

	_, err := e.Get(context.Background(), syosetu.General, testCode)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if !fe.Cached || fe.Cause != "old failure" || !fe.FetchedAt.Equal(rec.FetchedAt) {
		t.Errorf("FetchError = %+v", fe)
	}
	if f.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", f.calls)
	}
}

func TestGet_OldErrorIsRetried(t *testing.T) {
	s := newMemStore()
	seedError(s, 3*time.Hour)
	f := &stubFetcher{novel: newNovel}
	e := newTestEngine(s, f, 0)

	res, err := e.Get(context.Background(), syosetu.General, testCode)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Source != SourceFetch {
		t.Errorf("source = %v, want fetch", res.Source)
	}
	if rec := s.rows[key{"ncode", testCode}]; rec.HasError {
		t.Errorf("store still holds error record: %+v", rec)
	}
}

func TestGet_FailedRefetchServesStale(t *testing.T) {
	s := newMemStore()
	before := seedSuccess(t, s, 20*time.Hour)
	f := &stubFetcher{err: errors.New("connection reset")}
	e := newTestEngine(s, f, 0.9)

	res, err := e.Get(context.Background(), syosetu.General, testCode)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Source != SourceStale || res.Novel.Title != "old" || !res.FetchedAt.Equal(before.FetchedAt) {
		t.Errorf("result = %+v, want stale old payload", res)
	}
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
	if s.puts != 0 {
		t.Errorf("puts = %d, want store untouched", s.puts)
	}
	if got := s.rows[key{"ncode", testCode}]; !reflect.DeepEqual(got, before) {
		t.Errorf("store changed: %+v", got)
	}
}

func TestGet_FailedRefetchPastGraceStoresError(t *testing.T) {
	s := newMemStore()
	seedSuccess(t, s, 25*time.Hour)
	f := &stubFetcher{err: errors.New("connection reset")}
	e := newTestEngine(s, f, 0.5)

	_, err := e.Get(context.Background(), syosetu.General, testCode)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if fe.Cached || fe.Cause != "connection reset" {
		t.Errorf("FetchError = %+v", fe)
	}
	rec := s.rows[key{"ncode", testCode}]
	if !rec.HasError || rec.Error != "connection reset" || !rec.FetchedAt.Equal(testNow) {
		t.Errorf("stored record = %+v, want error at now", rec)
	}
}

func TestGet_FailedFetchWithoutRecordStoresError(t *testing.T) {
	s := newMemStore()
	f := &stubFetcher{err: errors.New("no such novel")}
	e := newTestEngine(s, f, 0.5)

	_, err := e.Get(context.Background(), syosetu.General, testCode)
	if err == nil {
		t.Fatal("expected error")
	}
	rec, ok := s.rows[key{"ncode", testCode}]
	if !ok || !rec.HasError {
		t.Errorf("stored record = %+v, ok=%v; want error record", rec, ok)
	}
}

func TestGet_FailedRetryOfErrorRecordOverwrites(t *testing.T) {
	s := newMemStore()
	seedError(s, 3*time.Hour)
	f := &stubFetcher{err: errors.New("still down")}
	e := newTestEngine(s, f, 0.5)

	if _, err := e.Get(context.Background(), syosetu.General, testCode); err == nil {
		t.Fatal("expected error")
	}
	rec := s.rows[key{"ncode", testCode}]
	if rec.Error != "still down" || !rec.FetchedAt.Equal(testNow) {
		t.Errorf("stored record = %+v", rec)
	}
}

func TestGet_StoreReadError(t *testing.T) {
	s := newMemStore()
	s.getErr = errors.New("disk on fire")
	f := &stubFetcher{novel: newNovel}
	e := newTestEngine(s, f, 0.5)

	_, err := e.Get(context.Background(), syosetu.General, testCode)
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		t.Errorf("store failure reported as FetchError: %v", err)
	}
	if f.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", f.calls)
	}
}

func TestGet_UnreadablePayloadIsRefetched(t *testing.T) {
	s := newMemStore()
	s.rows[key{"ncode", testCode}] = storage.NovelRecord{Category: "ncode", Ncode: testCode, NovelData: "{not json", FetchedAt: testNow}
	f := &stubFetcher{novel: newNovel}
	e := newTestEngine(s, f, 0.5)

	res, err := e.Get(context.Background(), syosetu.General, testCode)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Source != SourceFetch {
		t.Errorf("source = %v, want fetch", res.Source)
	}
}

func TestGet_CategoryKeysStore(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s, &stubFetcher{novel: newNovel}, 0.5)

	if _, err := e.Get(context.Background(), syosetu.Adult, testCode); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := s.rows[key{"novel18", testCode}]; !ok {
		t.Error("expected record under novel18")
	}
	if _, ok := s.rows[key{"ncode", testCode}]; ok {
		t.Error("unexpected record under ncode")
	}
}

// TestGet_StorageIntegration runs the engine against the SQLite store.
func TestGet_StorageIntegration(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	f := &stubFetcher{novel: newNovel}
	e := newTestEngine(store, f, 0.5)

	if _, err := e.Get(context.Background(), syosetu.General, testCode); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	res, err := e.Get(context.Background(), syosetu.General, testCode)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if res.Source != SourceCache || !reflect.DeepEqual(res.Novel, newNovel) {
		t.Errorf("second Get = %+v, want cached copy", res)
	}
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
}

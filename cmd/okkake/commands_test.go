package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/okkake/internal/api"
	"github.com/kalambet/okkake/internal/config"
	"github.com/kalambet/okkake/internal/freshness"
	"github.com/kalambet/okkake/internal/ncode"
	"github.com/kalambet/okkake/internal/storage"
	"github.com/kalambet/okkake/internal/syosetu"
)

var ctx = context.Background()

type stubNovels struct {
	mu       sync.Mutex
	novels   map[ncode.Ncode]syosetu.Novel
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (s *stubNovels) Get(_ context.Context, _ syosetu.Category, code ncode.Ncode) (freshness.Result, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	novel, ok := s.novels[code]
	if !ok {
		return freshness.Result{}, &freshness.FetchError{Cause: "unexpected status 404 Not Found"}
	}
	return freshness.Result{Novel: novel, Source: freshness.SourceFetch}, nil
}

func TestConvertNcode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"n4830bu", "n4830bu\t464784"},
		{"N4830BU", "n4830bu\t464784"},
		{"464784", "n4830bu\t464784"},
		{"0", "n0000a\t0"},
	}
	for _, tt := range tests {
		got, err := convertNcode(tt.in)
		if err != nil {
			t.Fatalf("convertNcode(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("convertNcode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := convertNcode("novel"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestParseCodes(t *testing.T) {
	codes, err := parseCodes([]string{"n0001a", "N9999A"})
	if err != nil {
		t.Fatalf("parseCodes: %v", err)
	}
	if len(codes) != 2 || codes[0] != 1 || codes[1] != 9999 {
		t.Errorf("codes = %v", codes)
	}
	if _, err := parseCodes([]string{"n0001a", "bad"}); !errors.Is(err, ncode.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestWarmNovels_OrderAndLimit(t *testing.T) {
	src := &stubNovels{
		novels: map[ncode.Ncode]syosetu.Novel{
			1: {Title: "one"},
			2: {Title: "two"},
			4: {Title: "four"},
			5: {Title: "five"},
		},
		delay: 20 * time.Millisecond,
	}
	codes := []ncode.Ncode{1, 2, 3, 4, 5}

	results := warmNovels(ctx, src, syosetu.General, codes, 2)

	if len(results) != len(codes) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.code != codes[i] {
			t.Errorf("result %d code = %v, want %v", i, r.code, codes[i])
		}
	}
	if results[2].err == nil {
		t.Error("missing novel should fail")
	}
	var fe *freshness.FetchError
	if !errors.As(results[2].err, &fe) {
		t.Errorf("err = %T, want *freshness.FetchError", results[2].err)
	}
	if results[4].res.Novel.Title != "five" {
		t.Errorf("result 4 = %+v", results[4].res)
	}
	if peak := src.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestFetchFeed_FollowsRedirect(t *testing.T) {
	novels := &stubNovels{novels: map[ncode.Ncode]syosetu.Novel{
		ncode.MustParse("n4830bu"): {Title: "テスト", Author: "作者", Subtitles: []string{"一", "二"}},
	}}
	handler := api.NewHandler(api.Deps{
		Novels: novels,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	feed, feedURL, err := fetchFeed(ctx, client, feedRequestPath(syosetu.General, ncode.MustParse("n4830bu"), ""))
	if err != nil {
		t.Fatalf("fetchFeed: %v", err)
	}
	if feed.Title != "【再】テスト" {
		t.Errorf("Title = %q", feed.Title)
	}
	if !strings.Contains(feedURL, "start=") {
		t.Errorf("final URL %q has no start", feedURL)
	}
	if len(feed.Items) != 1 || feed.Items[0].Title != "一" {
		t.Errorf("items = %+v", feed.Items)
	}

	rows := feedRows(feed, 0)
	if len(rows) != 1 || rows[0][0] != "1" || rows[0][2] != "一" {
		t.Errorf("rows = %v", rows)
	}
}

func TestFetchFeed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"fetch failed: unexpected status 404","type":"upstream_error"}}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	_, _, err := fetchFeed(ctx, client, "/novels/n4830bu/atom.xml?start=2024-01-01T00:00:00Z")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "unexpected status 404") {
		t.Errorf("error = %q", err)
	}
}

func TestFeedRequestPath(t *testing.T) {
	code := ncode.MustParse("n4830bu")
	if got := feedRequestPath(syosetu.Adult, code, ""); got != "/r18novels/n4830bu/atom.xml" {
		t.Errorf("got %q", got)
	}
	got := feedRequestPath(syosetu.General, code, "2024-05-01T00:00:00+09:00")
	if got != "/novels/n4830bu/atom.xml?start=2024-05-01T00%3A00%3A00%2B09%3A00" {
		t.Errorf("got %q", got)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	if got := serverState(ctx, client, 8080); got != "running on port 8080" {
		t.Errorf("serverState = %q", got)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	if got := serverState(ctx, client, 8080); got != "stopped" {
		t.Errorf("serverState = %q", got)
	}
	_, err := client.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %v, want it to mention 'not reachable'", err)
	}
}

func TestLocalURL(t *testing.T) {
	cfg := config.Config{Server: config.ServerConfig{Bind: "0.0.0.0", Port: 9000}}
	if got := localURL(cfg); got != "http://127.0.0.1:9000" {
		t.Errorf("localURL = %q", got)
	}
	cfg.Server.Bind = "192.168.1.5"
	if got := localURL(cfg); got != "http://192.168.1.5:9000" {
		t.Errorf("localURL = %q", got)
	}
}

func TestCacheRows(t *testing.T) {
	at := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	rows := cacheRows([]storage.NovelRecord{
		{Category: "ncode", Ncode: 1, NovelData: `{"title":"ok novel","author":"a","subtitles":["x","y"]}`, FetchedAt: at},
		{Category: "novel18", Ncode: 2, HasError: true, Error: "unexpected status 404", FetchedAt: at},
		{Category: "ncode", Ncode: 3, NovelData: `{`, FetchedAt: at},
	})
	if len(rows) != 3 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0][2] != "ok" || rows[0][3] != "2" || rows[0][5] != "ok novel" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1][0] != "novel18" || rows[1][2] != "error" || rows[1][5] != "unexpected status 404" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][2] != "corrupt" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestAcquireInstanceLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := acquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer lock.Unlock()

	if err := writePIDFile(pidFilePath(dir)); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	_, err = acquireInstanceLock(dir)
	if err == nil {
		t.Fatal("second lock should fail while the first is held")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("error = %q", err)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after removal")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestRenderTable(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	out := renderTable([]string{"NCODE", "TITLE"}, [][]string{{"n0001a", "一"}, {"n0002a"}}, nil)
	for _, want := range []string{"NCODE", "n0001a", "一", "n0002a"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("empty headers should render nothing")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

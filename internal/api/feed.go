package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/okkake/internal/atom"
	"github.com/kalambet/okkake/internal/freshness"
	"github.com/kalambet/okkake/internal/ncode"
	"github.com/kalambet/okkake/internal/schedule"
	"github.com/kalambet/okkake/internal/syosetu"
)

// Generator identifies okkake in rendered feeds.
var Generator = atom.Generator{Name: "okkake", URI: "https://github.com/kalambet/okkake"}

// NovelSource provides novel metadata, refreshing it when needed.
// *freshness.Engine satisfies it.
type NovelSource interface {
	Get(ctx context.Context, cat syosetu.Category, code ncode.Ncode) (freshness.Result, error)
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FeedPath returns the path of a replay feed anchored at start.
func FeedPath(cat syosetu.Category, code ncode.Ncode, start time.Time) string {
	q := url.Values{"start": {start.Format(time.RFC3339)}}
	return fmt.Sprintf("/%s/%s/atom.xml?%s", cat.FeedPrefix(), code, q.Encode())
}

// FeedURL returns the absolute URL of a replay feed below baseURL.
func FeedURL(baseURL string, cat syosetu.Category, code ncode.Ncode, start time.Time) string {
	return strings.TrimRight(baseURL, "/") + FeedPath(cat, code, start)
}

// BuildFeed assembles the replay feed of a novel for the given start time.
func BuildFeed(baseURL string, cat syosetu.Category, code ncode.Ncode, start, now time.Time, novel syosetu.Novel) *atom.Feed {
	self := FeedURL(baseURL, cat, code, start)
	entries := schedule.Build(schedule.Params{
		Start:     start,
		Now:       now,
		Subtitles: novel.Subtitles,
		NovelURL:  cat.NovelURL(code),
	})
	return atom.BuildFeed(atom.Meta{
		Title:      "【再】" + novel.Title,
		Subtitle:   "『" + novel.Title + "』の既存話を再配信します。",
		ID:         self,
		SelfURL:    self,
		Updated:    now,
		AuthorName: novel.Author,
		AuthorURI:  novel.AuthorURL,
		Generator:  Generator,
	}, entries)
}

// Package schedule computes which episodes a replay feed exposes at a given
// moment: one episode per elapsed day since the start time, newest first,
// capped to a rolling window.
package schedule

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// WindowSize is the maximum number of entries in a feed.
	WindowSize = 100
	// Day is the replay cadence.
	Day = 24 * time.Hour
)

// Entry is one feed item. Index is the zero-based episode day; the linked
// page number is Index+1.
type Entry struct {
	Index       int
	Title       string
	PublishedAt time.Time
	UpdatedAt   time.Time
	ID          string
	URL         string
}

// Params are the inputs of Build.
type Params struct {
	Start time.Time
	Now   time.Time
	// Subtitles are the known episode titles. When nil, placeholder titles
	// are used.
	Subtitles []string
	// NovelURL is the novel's index page, e.g. "https://ncode.syosetu.com/n4830bu/".
	NovelURL string
	// Window overrides WindowSize when positive.
	Window int
}

// ElapsedDays returns the number of whole days from start to now, rounded
// toward negative infinity.
func ElapsedDays(start, now time.Time) int {
	d := now.Sub(start)
	days := d / Day
	if d%Day < 0 {
		days--
	}
	return int(days)
}

// Window returns the half-open range [lo, hi) of episode days to expose.
func Window(start, now time.Time, size int) (lo, hi int) {
	if size <= 0 {
		size = WindowSize
	}
	hi = ElapsedDays(start, now) + 1
	if hi < 0 {
		hi = 0
	}
	lo = hi - size
	if lo < 0 {
		lo = 0
	}
	return lo, hi
}

// Build returns the feed entries for p, most recent first. The result is
// empty when now is before start.
//
// Once the window moves past the known episodes the title stays on the last
// known subtitle while the link keeps advancing one page per day.
func Build(p Params) []Entry {
	lo, hi := Window(p.Start, p.Now, p.Window)
	if hi <= lo {
		return nil
	}

	startParam := url.Values{"start": {p.Start.Format(time.RFC3339)}}.Encode()
	entries := make([]Entry, 0, hi-lo)
	for day := hi - 1; day >= lo; day-- {
		at := p.Start.Add(time.Duration(day) * Day)
		link := EpisodeURL(p.NovelURL, day)
		entries = append(entries, Entry{
			Index:       day,
			Title:       title(p.Subtitles, day),
			PublishedAt: at,
			UpdatedAt:   at,
			ID:          link + "?" + startParam,
			URL:         link,
		})
	}
	return entries
}

// EpisodeURL returns the page of episode day (page day+1) below novelURL.
func EpisodeURL(novelURL string, day int) string {
	if n := len(novelURL); n == 0 || novelURL[n-1] != '/' {
		novelURL += "/"
	}
	return fmt.Sprintf("%s%d/", novelURL, day+1)
}

func title(subtitles []string, day int) string {
	if len(subtitles) > 0 {
		idx := day
		if idx > len(subtitles)-1 {
			idx = len(subtitles) - 1
		}
		if t := subtitles[idx]; t != "" {
			return t
		}
	}
	return fmt.Sprintf("第%d部分", day+1)
}

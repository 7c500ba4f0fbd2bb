// Package syosetu fetches novel metadata from the syosetu.com sites.
package syosetu

import (
	"fmt"
	"strings"

	"github.com/kalambet/okkake/internal/ncode"
)

// Category selects which syosetu site hosts a novel.
type Category int

const (
	// General is the all-ages site, ncode.syosetu.com.
	General Category = iota
	// Adult is the age-restricted site, novel18.syosetu.com.
	Adult
)

// Categories lists every known category.
var Categories = []Category{General, Adult}

// Subdomain returns the host label of the category's site. It is also the
// value persisted in the cache.
func (c Category) Subdomain() string {
	switch c {
	case Adult:
		return "novel18"
	default:
		return "ncode"
	}
}

// Host returns the site's host name.
func (c Category) Host() string {
	return c.Subdomain() + ".syosetu.com"
}

func (c Category) String() string {
	return c.Subdomain()
}

// NovelURL returns the public index page of a novel on the category's site.
func (c Category) NovelURL(code ncode.Ncode) string {
	return fmt.Sprintf("https://%s/%s/", c.Host(), code)
}

// FeedPrefix is the first path segment of the category's feed routes.
func (c Category) FeedPrefix() string {
	if c == Adult {
		return "r18novels"
	}
	return "novels"
}

// ParseCategory accepts a subdomain ("ncode", "novel18") or the aliases
// "general" and "r18".
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ncode", "general", "":
		return General, nil
	case "novel18", "r18", "adult":
		return Adult, nil
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// Novel is the metadata needed to replay a novel. Subtitles[i] is the title of
// episode i+1; episodes missing from the index page are empty strings.
type Novel struct {
	Title       string   `json:"title"`
	Author      string   `json:"author"`
	AuthorURL   string   `json:"author_url,omitempty"`
	Description string   `json:"description,omitempty"`
	Subtitles   []string `json:"subtitles"`
}

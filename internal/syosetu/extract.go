package syosetu

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

// maxEpisodeIndex bounds the subtitle slice so a hostile page cannot make us
// allocate an arbitrarily large list.
const maxEpisodeIndex = 10000

var (
	ErrMissingTitle  = errors.New("missing title")
	ErrTooManyTitles = errors.New("too many titles")
	ErrNoEpisode     = errors.New("no episode found")
)

// Both the legacy and the current site markup are recognised.
const (
	titleSelector       = ".novel_title, .p-novel__title"
	authorSelector      = ".novel_writer, .p-novel__author"
	descriptionSelector = "#novel_ex"
	subtitleSelector    = ".subtitle a, a.p-eplist__subtitle"
)

// Extract parses a novel's index page.
func Extract(r io.Reader) (Novel, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Novel{}, fmt.Errorf("parsing html: %w", err)
	}

	titles := doc.Find(titleSelector)
	switch {
	case titles.Length() > 1:
		return Novel{}, ErrTooManyTitles
	case titles.Length() == 0:
		return Novel{}, ErrMissingTitle
	}
	novel := Novel{Title: cleanText(titles.Text())}
	if novel.Title == "" {
		return Novel{}, ErrMissingTitle
	}

	author := doc.Find(authorSelector).First()
	novel.Author = strings.TrimSpace(strings.TrimPrefix(cleanText(author.Text()), "作者："))
	if href, ok := author.Find("a").First().Attr("href"); ok {
		novel.AuthorURL = strings.TrimSpace(href)
	}
	novel.Description = cleanText(doc.Find(descriptionSelector).First().Text())

	doc.Find(subtitleSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		idx, ok := episodeIndex(href)
		if !ok || idx > maxEpisodeIndex {
			return
		}
		for len(novel.Subtitles) <= idx {
			novel.Subtitles = append(novel.Subtitles, "")
		}
		novel.Subtitles[idx] = cleanText(s.Text())
	})
	if len(novel.Subtitles) == 0 {
		return Novel{}, ErrNoEpisode
	}
	return novel, nil
}

// episodeIndex maps an episode link such as "/n4830bu/3/" to index 2.
func episodeIndex(href string) (int, bool) {
	parts := strings.Split(href, "/")
	if len(parts) < 3 || parts[0] != "" {
		return 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n - 1, true
}

func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

package syosetu

import (
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	f, err := os.Open("testdata/sample.html")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	novel, err := Extract(f)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if novel.Title != "Novel title novel title novel title" {
		t.Errorf("Title = %q", novel.Title)
	}
	if novel.Author != "Author author author" {
		t.Errorf("Author = %q", novel.Author)
	}
	if novel.AuthorURL != "https://mypage.syosetu.com/123456/" {
		t.Errorf("AuthorURL = %q", novel.AuthorURL)
	}
	if novel.Description != "Description description description" {
		t.Errorf("Description = %q", novel.Description)
	}
	want := []string{
		"First first first first",
		"Second second second second",
		"Third third third third",
	}
	if !reflect.DeepEqual(novel.Subtitles, want) {
		t.Errorf("Subtitles = %q, want %q", novel.Subtitles, want)
	}
}

func TestExtract_CurrentMarkup(t *testing.T) {
	html := `<html><body>
<h1 class="p-novel__title">New layout</h1>
<div class="p-novel__author">作者：<a href="https://mypage.syosetu.com/1/">someone</a></div>
<div class="p-eplist">
  <div class="p-eplist__sublist"><a href="/n0001a/2/" class="p-eplist__subtitle">Two</a></div>
  <div class="p-eplist__sublist"><a href="/n0001a/4/" class="p-eplist__subtitle">Four</a></div>
</div>
</body></html>`
	novel, err := Extract(strings.NewReader(html))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if novel.Title != "New layout" || novel.Author != "someone" {
		t.Errorf("got title=%q author=%q", novel.Title, novel.Author)
	}
	want := []string{"", "Two", "", "Four"}
	if !reflect.DeepEqual(novel.Subtitles, want) {
		t.Errorf("Subtitles = %q, want %q", novel.Subtitles, want)
	}
}

func TestExtract_Errors(t *testing.T) {
	cases := []struct {
		name string
		html string
		want error
	}{
		{"no title", `<div class="subtitle"><a href="/n1/1/">x</a></div>`, ErrMissingTitle},
		{"empty title", `<p class="novel_title">  </p><div class="subtitle"><a href="/n1/1/">x</a></div>`, ErrMissingTitle},
		{"two titles", `<p class="novel_title">a</p><p class="novel_title">b</p>`, ErrTooManyTitles},
		{"no episodes", `<p class="novel_title">a</p>`, ErrNoEpisode},
		{"only bad links", `<p class="novel_title">a</p>
<div class="subtitle"><a href="/n1/0/">zero</a></div>
<div class="subtitle"><a href="n1/1/">relative</a></div>
<div class="subtitle"><a href="/n1/x/">nan</a></div>
<div class="subtitle"><a href="/n1/10002/">too far</a></div>
<div class="subtitle"><a>no href</a></div>`, ErrNoEpisode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Extract(strings.NewReader(tc.html))
			if !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEpisodeIndex(t *testing.T) {
	cases := []struct {
		href string
		idx  int
		ok   bool
	}{
		{"/n4830bu/1/", 0, true},
		{"/n4830bu/12", 11, true},
		{"/n4830bu/0/", 0, false},
		{"/n4830bu/", 0, false},
		{"n4830bu/1/", 0, false},
		{"/n4830bu/-1/", 0, false},
	}
	for _, c := range cases {
		idx, ok := episodeIndex(c.href)
		if idx != c.idx || ok != c.ok {
			t.Errorf("episodeIndex(%q) = (%d, %v), want (%d, %v)", c.href, idx, ok, c.idx, c.ok)
		}
	}
}

// Package atom renders Atom 1.0 (RFC 4287) documents.
package atom

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/kalambet/okkake/internal/schedule"
)

const (
	Namespace   = "http://www.w3.org/2005/Atom"
	ContentType = "application/atom+xml; charset=UTF-8"
)

// Feed is the root <feed> element.
type Feed struct {
	XMLName   xml.Name  `xml:"http://www.w3.org/2005/Atom feed"`
	Title     Text      `xml:"title"`
	Subtitle  *Text     `xml:"subtitle,omitempty"`
	Updated   string    `xml:"updated"`
	Generator Generator `xml:"generator"`
	Links     []Link    `xml:"link"`
	ID        string    `xml:"id"`
	Author    *Person   `xml:"author,omitempty"`
	Entries   []Entry   `xml:"entry"`
}

// Text is a plain text construct.
type Text struct {
	Type string `xml:"type,attr"`
	Body string `xml:",chardata"`
}

type Generator struct {
	Version string `xml:"version,attr,omitempty"`
	URI     string `xml:"uri,attr,omitempty"`
	Name    string `xml:",chardata"`
}

type Link struct {
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr,omitempty"`
	Href string `xml:"href,attr"`
}

type Person struct {
	Name string `xml:"name"`
	URI  string `xml:"uri,omitempty"`
}

type Entry struct {
	Title     Text   `xml:"title"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Links     []Link `xml:"link"`
	ID        string `xml:"id"`
}

// Meta is the feed-level metadata.
type Meta struct {
	Title      string
	Subtitle   string
	ID         string
	SelfURL    string
	Updated    time.Time
	AuthorName string
	AuthorURI  string
	Generator  Generator
}

// Timestamp formats t for Atom date constructs.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

// BuildFeed assembles a feed from metadata and schedule entries, keeping the
// entries' order.
func BuildFeed(meta Meta, entries []schedule.Entry) *Feed {
	f := &Feed{
		Title:     Text{Type: "text", Body: meta.Title},
		Updated:   Timestamp(meta.Updated),
		Generator: meta.Generator,
		ID:        meta.ID,
		Entries:   make([]Entry, 0, len(entries)),
	}
	if meta.Subtitle != "" {
		f.Subtitle = &Text{Type: "text", Body: meta.Subtitle}
	}
	if meta.SelfURL != "" {
		f.Links = append(f.Links, Link{Rel: "self", Type: "application/atom+xml", Href: meta.SelfURL})
	}
	if meta.AuthorName != "" || meta.AuthorURI != "" {
		f.Author = &Person{Name: meta.AuthorName, URI: meta.AuthorURI}
	}
	for _, e := range entries {
		f.Entries = append(f.Entries, Entry{
			Title:     Text{Type: "text", Body: e.Title},
			Published: Timestamp(e.PublishedAt),
			Updated:   Timestamp(e.UpdatedAt),
			Links:     []Link{{Rel: "alternate", Type: "text/html", Href: e.URL}},
			ID:        e.ID,
		})
	}
	return f
}

// Encode writes f as an indented XML document.
func Encode(w io.Writer, f *Feed) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encoding feed: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

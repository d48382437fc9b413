package adapter

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Snapshot is a Document over a serialized copy of the page's HTML.
type Snapshot struct {
	doc *goquery.Document
}

// NewSnapshot parses an HTML snapshot.
func NewSnapshot(html string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &Snapshot{doc: doc}, nil
}

func (s *Snapshot) QueryAll(selector string) []Element {
	var out []Element
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, selection{sel})
	})
	return out
}

type selection struct {
	s *goquery.Selection
}

func (e selection) Query(selector string) (Element, bool) {
	found := e.s.Find(selector).First()
	if found.Length() == 0 {
		return nil, false
	}
	return selection{found}, true
}

func (e selection) Matches(selector string) bool {
	return e.s.Is(selector)
}

func (e selection) Text() string {
	return e.s.Text()
}

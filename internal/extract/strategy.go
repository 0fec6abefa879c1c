// Package extract turns loaded catalog pages into normalized entities. All
// site-specific DOM knowledge lives here behind catalog.Strategy.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// Registry maps kinds to strategies.
type Registry struct {
	strategies map[catalog.Kind]catalog.Strategy
}

// NewRegistry indexes the supplied strategies by kind.
func NewRegistry(strategies ...catalog.Strategy) *Registry {
	r := &Registry{strategies: make(map[catalog.Kind]catalog.Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Kind()] = s
	}
	return r
}

// NewDefaultRegistry wires the five goquery strategies with sel.
func NewDefaultRegistry(sel Selectors) *Registry {
	return NewRegistry(
		NewNavigationStrategy(sel.Navigation),
		NewCategoryStrategy(sel.Categories),
		NewProductStrategy(sel.Products),
		NewDetailStrategy(sel.Detail),
		NewReviewStrategy(sel.Reviews),
	)
}

// For returns the strategy for kind.
func (r *Registry) For(kind catalog.Kind) (catalog.Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no strategy for %q", catalog.ErrUnsupportedKind, kind)
	}
	return s, nil
}

// Extract dispatches page to the strategy registered for kind.
func (r *Registry) Extract(kind catalog.Kind, page catalog.Page, ectx catalog.ExtractContext) ([]catalog.Entity, error) {
	s, err := r.For(kind)
	if err != nil {
		return nil, err
	}
	return s.Extract(page, ectx)
}

func parse(page catalog.Page) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// scope narrows doc to root. A missing root is a selector mismatch.
func scope(doc *goquery.Document, root string) (*goquery.Selection, error) {
	if root == "" {
		return doc.Selection, nil
	}
	sel := doc.Find(root)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: root %q not found", catalog.ErrSelectorMismatch, root)
	}
	return sel, nil
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return CleanText(s.Find(selector).First().Text())
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func canonicalOr(href string) string {
	if c, err := CanonicalURL(href); err == nil {
		return c
	}
	return href
}

func imageSrc(s *goquery.Selection, base string) string {
	for _, name := range []string{"src", "data-src"} {
		if v := Resolve(base, attr(s, name)); v != "" {
			return v
		}
	}
	return ""
}

package extract

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// NavigationStrategy extracts top-level sections.
type NavigationStrategy struct {
	sel NavigationSelectors
}

// NewNavigationStrategy builds a navigation strategy.
func NewNavigationStrategy(sel NavigationSelectors) *NavigationStrategy {
	return &NavigationStrategy{sel: sel}
}

// Kind implements catalog.Strategy.
func (*NavigationStrategy) Kind() catalog.Kind { return catalog.KindNavigation }

// Extract implements catalog.Strategy.
func (n *NavigationStrategy) Extract(page catalog.Page, _ catalog.ExtractContext) ([]catalog.Entity, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	root, err := scope(doc, n.sel.Root)
	if err != nil {
		return nil, err
	}
	base := page.URL()
	seen := make(map[string]struct{})
	var out []catalog.Entity
	root.Find(n.sel.Link).Each(func(_ int, a *goquery.Selection) {
		title := CleanText(a.Text())
		href := Resolve(base, attr(a, "href"))
		slug := SlugFromURL(href)
		if title == "" || href == "" || slug == "" {
			return
		}
		if _, dup := seen[slug]; dup {
			return
		}
		seen[slug] = struct{}{}
		out = append(out, catalog.Navigation{Slug: slug, Title: title, SourceURL: canonicalOr(href)})
	})
	return out, nil
}

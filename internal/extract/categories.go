package extract

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// CategoryStrategy extracts categories listed under a navigation section.
type CategoryStrategy struct {
	sel CategorySelectors
}

// NewCategoryStrategy builds a category strategy.
func NewCategoryStrategy(sel CategorySelectors) *CategoryStrategy {
	return &CategoryStrategy{sel: sel}
}

// Kind implements catalog.Strategy.
func (*CategoryStrategy) Kind() catalog.Kind { return catalog.KindCategories }

// Extract implements catalog.Strategy. Records are stamped with the parent
// navigation slug from ectx.
func (c *CategoryStrategy) Extract(page catalog.Page, ectx catalog.ExtractContext) ([]catalog.Entity, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	root, err := scope(doc, c.sel.Root)
	if err != nil {
		return nil, err
	}
	base := page.URL()
	seen := make(map[string]struct{})
	var out []catalog.Entity
	root.Find(c.sel.Link).Each(func(_ int, a *goquery.Selection) {
		href := Resolve(base, attr(a, "href"))
		slug := SlugFromURL(href)
		count := 0
		if c.sel.Count != "" {
			countSel := a.Find(c.sel.Count)
			count = ExtractInt(countSel.Text())
			a = a.Clone()
			a.Find(c.sel.Count).Remove()
		}
		title := CleanText(a.Text())
		if title == "" || href == "" || slug == "" {
			return
		}
		if _, dup := seen[slug]; dup {
			return
		}
		seen[slug] = struct{}{}
		out = append(out, catalog.Category{
			Slug:           slug,
			Title:          title,
			NavigationSlug: ectx.NavigationSlug,
			SourceURL:      canonicalOr(href),
			ProductCount:   count,
		})
	})
	return out, nil
}

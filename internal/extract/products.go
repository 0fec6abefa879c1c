package extract

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// ProductStrategy extracts product tiles from a category listing.
type ProductStrategy struct {
	sel ProductSelectors
}

// NewProductStrategy builds a product listing strategy.
func NewProductStrategy(sel ProductSelectors) *ProductStrategy {
	return &ProductStrategy{sel: sel}
}

// Kind implements catalog.Strategy.
func (*ProductStrategy) Kind() catalog.Kind { return catalog.KindProducts }

// Extract implements catalog.Strategy.
func (p *ProductStrategy) Extract(page catalog.Page, ectx catalog.ExtractContext) ([]catalog.Entity, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	root, err := scope(doc, p.sel.Root)
	if err != nil {
		return nil, err
	}
	base := page.URL()
	seen := make(map[string]struct{})
	var out []catalog.Entity
	root.Find(p.sel.Card).Each(func(_ int, card *goquery.Selection) {
		title := text(card, p.sel.Title)
		href := Resolve(base, attr(card.Find(p.sel.Link).First(), "href"))
		if title == "" || href == "" {
			return
		}
		id := SourceID(href)
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		priceText := text(card, p.sel.Price)
		out = append(out, catalog.Product{
			SourceID:       id,
			Title:          title,
			Price:          ExtractPrice(priceText),
			Currency:       DetectCurrency(priceText),
			ImageURL:       imageSrc(card.Find(p.sel.Image).First(), base),
			SourceURL:      canonicalOr(href),
			CategorySlug:   ectx.CategorySlug,
			NavigationSlug: ectx.NavigationSlug,
		})
	})
	return out, nil
}

package extract

import (
	"fmt"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// DetailStrategy extracts a single product page.
type DetailStrategy struct {
	sel DetailSelectors
}

// NewDetailStrategy builds a product detail strategy.
func NewDetailStrategy(sel DetailSelectors) *DetailStrategy {
	return &DetailStrategy{sel: sel}
}

// Kind implements catalog.Strategy.
func (*DetailStrategy) Kind() catalog.Kind { return catalog.KindProductDetail }

// Extract implements catalog.Strategy. A product page without a title does
// not match the expected shape and is reported as a selector mismatch. The
// record is keyed on ectx.ProductSourceID, or on the requested URL so a
// redirect does not change the key.
func (d *DetailStrategy) Extract(page catalog.Page, ectx catalog.ExtractContext) ([]catalog.Entity, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	sel := doc.Selection
	title := text(sel, d.sel.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title %q not found", catalog.ErrSelectorMismatch, d.sel.Title)
	}
	sourceURL := page.URL()
	priceText := text(sel, d.sel.Price)
	var image string
	if d.sel.Image != "" {
		image = imageSrc(sel.Find(d.sel.Image).First(), sourceURL)
	}
	id := ectx.ProductSourceID
	if id == "" {
		id = requestedSourceID(page)
	}
	return []catalog.Entity{catalog.ProductDetail{
		SourceID:        id,
		Title:           title,
		Author:          text(sel, d.sel.Author),
		ISBN:            text(sel, d.sel.ISBN),
		Publisher:       text(sel, d.sel.Publisher),
		PublicationDate: text(sel, d.sel.PublicationDate),
		Description:     text(sel, d.sel.Description),
		Condition:       text(sel, d.sel.Condition),
		Price:           ExtractPrice(priceText),
		Currency:        DetectCurrency(priceText),
		ImageURL:        image,
		SourceURL:       sourceURL,
	}}, nil
}

// requestedSourceID keys a page by the URL that was asked for, which is
// what callers hold before the fetch.
func requestedSourceID(page catalog.Page) string {
	if page.RequestedURL != "" {
		return SourceID(page.RequestedURL)
	}
	return SourceID(page.URL())
}

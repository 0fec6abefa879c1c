package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// ReviewStrategy extracts customer reviews from a product page.
type ReviewStrategy struct {
	sel ReviewSelectors
}

// NewReviewStrategy builds a review strategy.
func NewReviewStrategy(sel ReviewSelectors) *ReviewStrategy {
	return &ReviewStrategy{sel: sel}
}

// Kind implements catalog.Strategy.
func (*ReviewStrategy) Kind() catalog.Kind { return catalog.KindReviews }

// Extract implements catalog.Strategy. Reviews reference the product by
// ectx.ProductSourceID, falling back to the requested URL's source id.
func (r *ReviewStrategy) Extract(page catalog.Page, ectx catalog.ExtractContext) ([]catalog.Entity, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	root, err := scope(doc, r.sel.Root)
	if err != nil {
		return nil, err
	}
	pageURL := page.URL()
	productID := ectx.ProductSourceID
	if productID == "" {
		productID = requestedSourceID(page)
	}
	seen := make(map[string]struct{})
	var out []catalog.Entity
	root.Find(r.sel.Item).Each(func(i int, item *goquery.Selection) {
		review := catalog.Review{
			ProductSourceID: productID,
			ReviewerName:    text(item, r.sel.Reviewer),
			Rating:          r.rating(item),
			Title:           text(item, r.sel.Title),
			Content:         text(item, r.sel.Content),
			ReviewDate:      text(item, r.sel.Date),
			HelpfulCount:    ExtractInt(text(item, r.sel.Helpful)),
			SourceURL:       pageURL,
		}
		if review.Content == "" && review.Title == "" {
			return
		}
		review.SourceID = reviewID(productID, item, review)
		if _, dup := seen[review.SourceID]; dup {
			return
		}
		seen[review.SourceID] = struct{}{}
		out = append(out, review)
	})
	return out, nil
}

func (r *ReviewStrategy) rating(item *goquery.Selection) int {
	node := item
	if r.sel.Rating != "" {
		node = item.Find(r.sel.Rating).First()
	}
	for _, name := range []string{"data-rating", "aria-label", "title"} {
		if v := attr(node, name); v != "" {
			if n := ExtractInt(v); n > 0 {
				return n
			}
		}
	}
	return ExtractInt(node.Text())
}

// reviewID prefers a stable element id and otherwise hashes the review's
// identifying fields under its product.
func reviewID(productID string, item *goquery.Selection, review catalog.Review) string {
	if id := attr(item, "id"); id != "" {
		return digest(productID + "#" + id)
	}
	if id := attr(item, "data-review-id"); id != "" {
		return digest(productID + "#" + id)
	}
	return digest(strings.Join([]string{productID, review.ReviewerName, review.ReviewDate, review.Title, review.Content}, "\x1f"))
}

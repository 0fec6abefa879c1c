package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is a normalized scraped record. Its natural key is derived from
// the source URL so repeated scrapes address the same row.
type Entity interface {
	Kind() Kind
	NaturalKey() string
}

// Navigation is a top-level section of the catalog.
type Navigation struct {
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	SourceURL string `json:"source_url"`
}

// Kind implements Entity.
func (Navigation) Kind() Kind { return KindNavigation }

// NaturalKey implements Entity.
func (n Navigation) NaturalKey() string { return n.Slug }

// Category belongs to a navigation section by slug.
type Category struct {
	Slug           string `json:"slug"`
	Title          string `json:"title"`
	NavigationSlug string `json:"navigation_slug,omitempty"`
	SourceURL      string `json:"source_url"`
	ProductCount   int    `json:"product_count"`
}

// Kind implements Entity.
func (Category) Kind() Kind { return KindCategories }

// NaturalKey implements Entity.
func (c Category) NaturalKey() string { return c.Slug }

// Product is a listing tile on a category page.
type Product struct {
	SourceID       string  `json:"source_id"`
	Title          string  `json:"title"`
	Price          float64 `json:"price"`
	Currency       string  `json:"currency"`
	ImageURL       string  `json:"image_url,omitempty"`
	SourceURL      string  `json:"source_url"`
	CategorySlug   string  `json:"category_slug,omitempty"`
	NavigationSlug string  `json:"navigation_slug,omitempty"`
}

// Kind implements Entity.
func (Product) Kind() Kind { return KindProducts }

// NaturalKey implements Entity.
func (p Product) NaturalKey() string { return p.SourceID }

// ProductDetail is the full product page.
type ProductDetail struct {
	SourceID        string  `json:"source_id"`
	Title           string  `json:"title"`
	Author          string  `json:"author,omitempty"`
	ISBN            string  `json:"isbn,omitempty"`
	Publisher       string  `json:"publisher,omitempty"`
	PublicationDate string  `json:"publication_date,omitempty"`
	Description     string  `json:"description,omitempty"`
	Condition       string  `json:"condition,omitempty"`
	Price           float64 `json:"price"`
	Currency        string  `json:"currency"`
	ImageURL        string  `json:"image_url,omitempty"`
	SourceURL       string  `json:"source_url"`
}

// Kind implements Entity.
func (ProductDetail) Kind() Kind { return KindProductDetail }

// NaturalKey implements Entity.
func (d ProductDetail) NaturalKey() string { return d.SourceID }

// Review is a customer review attached to a product by source id.
type Review struct {
	SourceID        string `json:"source_id"`
	ProductSourceID string `json:"product_source_id"`
	ReviewerName    string `json:"reviewer_name,omitempty"`
	Rating          int    `json:"rating"`
	Title           string `json:"title,omitempty"`
	Content         string `json:"content,omitempty"`
	ReviewDate      string `json:"review_date,omitempty"`
	HelpfulCount    int    `json:"helpful_count"`
	SourceURL       string `json:"source_url"`
}

// Kind implements Entity.
func (Review) Kind() Kind { return KindReviews }

// NaturalKey implements Entity.
func (r Review) NaturalKey() string { return r.SourceID }

// StoredRecord is an entity as persisted by an EntityStore.
type StoredRecord struct {
	Kind          Kind      `json:"kind"`
	Key           string    `json:"key"`
	Entity        Entity    `json:"entity"`
	LastScrapedAt time.Time `json:"last_scraped_at"`
}

// DecodeEntity rebuilds a typed entity from its JSON payload.
func DecodeEntity(kind Kind, payload []byte) (Entity, error) {
	var target Entity
	switch kind {
	case KindNavigation:
		var v Navigation
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		target = v
	case KindCategories:
		var v Category
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		target = v
	case KindProducts:
		var v Product
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		target = v
	case KindProductDetail:
		var v ProductDetail
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		target = v
	case KindReviews:
		var v Review
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		target = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return target, nil
}

// ParentKey returns the natural key of the record e hangs off: the
// navigation slug for a category, the category slug for a product and the
// product source id for a review. Top-level records return "".
func ParentKey(e Entity) string {
	switch v := e.(type) {
	case Category:
		return v.NavigationSlug
	case Product:
		return v.CategorySlug
	case Review:
		return v.ProductSourceID
	default:
		return ""
	}
}

// SourceURLOf returns the page a record was scraped from.
func SourceURLOf(e Entity) string {
	switch v := e.(type) {
	case Navigation:
		return v.SourceURL
	case Category:
		return v.SourceURL
	case Product:
		return v.SourceURL
	case ProductDetail:
		return v.SourceURL
	case Review:
		return v.SourceURL
	default:
		return ""
	}
}

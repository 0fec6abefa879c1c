package catalog

import (
	"fmt"
	"strings"
)

// Kind identifies one of the scraped entity types. A job of a given kind
// produces records of the same kind.
type Kind string

// Supported kinds, in catalog hierarchy order.
const (
	KindNavigation    Kind = "navigation"
	KindCategories    Kind = "categories"
	KindProducts      Kind = "products"
	KindProductDetail Kind = "product_detail"
	KindReviews       Kind = "reviews"
)

// Kinds lists every supported kind in hierarchy order.
var Kinds = []Kind{
	KindNavigation,
	KindCategories,
	KindProducts,
	KindProductDetail,
	KindReviews,
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind normalizes and validates a kind name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, raw)
	}
	return k, nil
}

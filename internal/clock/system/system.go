// Package system is the wall-clock catalog.Clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

var _ catalog.Clock = (*Clock)(nil)

// Clock reports UTC wall time so persisted timestamps compare without
// zone conversion.
type Clock struct{}

// New returns a Clock.
func New() *Clock { return &Clock{} }

// Now implements catalog.Clock.
func (*Clock) Now() time.Time {
	return time.Now().UTC()
}

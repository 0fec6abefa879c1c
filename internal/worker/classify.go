package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

var fatalLoadMarkers = []string{
	"err_invalid_url",
	"unsupported protocol scheme",
	"invalid url",
	"err_unsafe_redirect",
}

// contextFailure classifies a run stopped by its own context: a deadline is
// a hung job (transient), anything else is a cancellation.
func contextFailure(ctx context.Context, op, url string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return catalog.NewScrapeError(catalog.ClassTransient, op, url, fmt.Errorf("job timeout: %w", context.DeadlineExceeded))
	}
	return catalog.NewScrapeError(catalog.ClassCancelled, op, url, catalog.ErrCancelled)
}

func classifyLoadError(url string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return catalog.NewScrapeError(catalog.ClassTransient, "navigate", url, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return catalog.NewScrapeError(catalog.ClassTransient, "navigate", url, err)
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range fatalLoadMarkers {
		if strings.Contains(lower, marker) {
			return catalog.NewScrapeError(catalog.ClassFatal, "navigate", url, err)
		}
	}
	return catalog.NewScrapeError(catalog.ClassTransient, "navigate", url, err)
}

// classifyStatus maps the document response status to a failure class.
func classifyStatus(page catalog.Page) error {
	code := page.StatusCode
	var class catalog.FailureClass
	switch {
	case code == 0 || code < http.StatusBadRequest:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusForbidden:
		class = catalog.ClassRateLimited
	case code == http.StatusRequestTimeout, code >= http.StatusInternalServerError:
		class = catalog.ClassTransient
	default:
		class = catalog.ClassFatal
	}
	return &catalog.ScrapeError{
		Class:      class,
		Op:         "navigate",
		URL:        page.URL(),
		StatusCode: code,
		Err:        errors.New(http.StatusText(code)),
	}
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across adapters.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrUnsupportedKind   = errors.New("unsupported kind")
	ErrSelectorMismatch  = errors.New("selector mismatch")
	ErrQueueClosed       = errors.New("queue closed")
	ErrCancelled         = errors.New("job cancelled")
)

// FailureClass buckets scrape failures by how the scheduler should react.
type FailureClass string

const (
	// ClassNone marks a job that has not failed.
	ClassNone FailureClass = ""
	// ClassTransient covers timeouts, resets, and 5xx responses.
	ClassTransient FailureClass = "transient"
	// ClassRateLimited covers 429s and detected block pages.
	ClassRateLimited FailureClass = "rate_limited"
	// ClassExtraction covers markup that no longer matches the strategy.
	ClassExtraction FailureClass = "extraction"
	// ClassFatal covers bad input that retrying cannot fix.
	ClassFatal FailureClass = "fatal"
	// ClassCancelled marks a job stopped on request.
	ClassCancelled FailureClass = "cancelled"
)

// Retryable reports whether the scheduler may retry a failure of this class.
func (c FailureClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassRateLimited, ClassExtraction:
		return true
	default:
		return false
	}
}

// ScrapeError is the structured failure a Worker hands back to the scheduler.
type ScrapeError struct {
	Class      FailureClass
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *ScrapeError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " %s", e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// NewScrapeError builds a classified failure.
func NewScrapeError(class FailureClass, op, url string, err error) *ScrapeError {
	return &ScrapeError{Class: class, Op: op, URL: url, Err: err}
}

// ClassOf extracts the failure class of err. Unclassified errors count as
// transient so an unknown fault is retried rather than dropped.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ClassNone
	}
	var se *ScrapeError
	if errors.As(err, &se) && se.Class != ClassNone {
		return se.Class
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrUnsupportedKind):
		return ClassFatal
	case errors.Is(err, ErrSelectorMismatch):
		return ClassExtraction
	default:
		return ClassTransient
	}
}

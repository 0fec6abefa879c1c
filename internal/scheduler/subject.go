package scheduler

import (
	"context"
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/extract"
)

// Subject names the stored data a job refreshes. Listing subjects are
// the children of a parent page (products of a category, reviews of a
// product); their age is the newest child's. Record subjects are one row.
type Subject struct {
	Kind    catalog.Kind
	Listing bool
	Key     string
}

// SubjectOf derives the staleness subject of a job spec.
func SubjectOf(spec catalog.JobSpec) Subject {
	switch spec.Kind {
	case catalog.KindNavigation:
		return Subject{Kind: spec.Kind, Listing: true}
	case catalog.KindCategories, catalog.KindProducts:
		return Subject{Kind: spec.Kind, Listing: true, Key: slugOf(spec)}
	case catalog.KindReviews:
		return Subject{Kind: spec.Kind, Listing: true, Key: sourceIDOf(spec)}
	default:
		return Subject{Kind: spec.Kind, Key: sourceIDOf(spec)}
	}
}

func slugOf(spec catalog.JobSpec) string {
	if spec.TargetSlug != "" {
		return spec.TargetSlug
	}
	return extract.SlugFromURL(spec.TargetURL)
}

func sourceIDOf(spec catalog.JobSpec) string {
	if spec.TargetSlug != "" {
		return spec.TargetSlug
	}
	return extract.SourceID(spec.TargetURL)
}

// lastScraped returns the subject's last scrape time, nil when never scraped.
func (s *Scheduler) lastScraped(ctx context.Context, subj Subject) (*time.Time, error) {
	if subj.Listing {
		return s.entities.FindListingStaleness(ctx, subj.Kind, subj.Key)
	}
	return s.entities.FindStaleness(ctx, subj.Kind, subj.Key)
}

// extractContext stamps records with the keys their staleness subject uses.
// A products job without a parent slug takes the navigation slug from the
// stored category.
func (s *Scheduler) extractContext(ctx context.Context, job catalog.Job) catalog.ExtractContext {
	spec := catalog.JobSpec{Kind: job.Kind, TargetURL: job.TargetURL, TargetSlug: job.TargetSlug, ParentSlug: job.ParentSlug}
	switch job.Kind {
	case catalog.KindCategories:
		return catalog.ExtractContext{NavigationSlug: slugOf(spec)}
	case catalog.KindProducts:
		ectx := catalog.ExtractContext{CategorySlug: slugOf(spec), NavigationSlug: job.ParentSlug}
		if ectx.NavigationSlug == "" && ectx.CategorySlug != "" {
			if rec, err := s.entities.Get(ctx, catalog.KindCategories, ectx.CategorySlug); err == nil {
				if cat, ok := rec.Entity.(catalog.Category); ok {
					ectx.NavigationSlug = cat.NavigationSlug
				}
			}
		}
		return ectx
	case catalog.KindProductDetail, catalog.KindReviews:
		// Same key the staleness subject reads.
		return catalog.ExtractContext{ProductSourceID: sourceIDOf(spec)}
	default:
		return catalog.ExtractContext{}
	}
}

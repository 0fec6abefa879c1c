// Package collyfetcher provides static-HTML sessions backed by gocolly, for
// catalog pages that render without JavaScript.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Headers   http.Header
	Timeout   time.Duration
}

// Factory hands out sessions sharing one pooled transport.
type Factory struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewFactory builds a Factory.
func NewFactory(cfg Config) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	return &Factory{cfg: cfg, baseCollector: c}
}

// NewSession implements catalog.SessionFactory.
func (f *Factory) NewSession(context.Context) (catalog.Session, error) {
	return &Session{factory: f}, nil
}

// Close implements catalog.SessionFactory.
func (f *Factory) Close() error {
	return nil
}

// Session fetches one page per Load with a cloned collector.
type Session struct {
	factory *Factory
}

// Load performs a GET and returns the raw response. Error statuses are
// returned as pages so the caller can classify them.
func (s *Session) Load(ctx context.Context, url string) (catalog.Page, error) {
	var (
		page     catalog.Page
		fetchErr error
	)
	collector := s.factory.buildCollector()
	s.factory.configureCollectorHooks(collector, url, &page, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return catalog.Page{}, err
	}
	return page, nil
}

// Close implements catalog.Session.
func (s *Session) Close() error {
	return nil
}

func (f *Factory) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Factory) configureCollectorHooks(
	hooks collectorHooks,
	requested string,
	page *catalog.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = catalog.Page{
			RequestedURL: requested,
			FinalURL:     r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			HTML:         append([]byte(nil), r.Body...),
			FetchedAt:    time.Now().UTC(),
		}
		if r.Headers != nil {
			page.Header = r.Headers.Clone()
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("colly fetch canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package headless provides browser sessions driven by chromedp and
// headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

const (
	defaultNavigationTimeout = 10 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls sessions created by the factory.
type Config struct {
	UserAgent         string
	Headers           http.Header
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	WaitSelector      string
}

// Factory creates one headless browser per session.
type Factory struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewFactory prepares a chromedp allocator. No browser starts until the
// first session is created.
func NewFactory(cfg Config) *Factory {
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Factory{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close shuts every browser started by the factory.
func (f *Factory) Close() error {
	f.allocCancel()
	return nil
}

// NewSession starts a browser tab with the network domain enabled and the
// identifying user agent applied.
func (f *Factory) NewSession(ctx context.Context) (catalog.Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	startCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(startCtx, f.networkSetupAction()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("start browser session: %w", err)
	}
	return &Session{
		factory: f,
		ctx:     tabCtx,
		cancel:  tabCancel,
		meta:    meta,
	}, nil
}

func (f *Factory) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Factory) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// Session is one reusable browser tab.
type Session struct {
	factory *Factory
	ctx     context.Context
	cancel  context.CancelFunc
	meta    *responseMeta
}

// Load navigates to url, waits for the page to become interactive, and
// returns the rendered DOM with the document response status.
func (s *Session) Load(ctx context.Context, url string) (catalog.Page, error) {
	runCtx, cancel := context.WithTimeout(s.ctx, s.factory.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.meta.reset()
	html, finalURL, err := s.run(runCtx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return catalog.Page{}, fmt.Errorf("chromedp navigate %s: %w", url, ctxErr)
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return catalog.Page{}, fmt.Errorf("chromedp navigate %s: %w", url, context.DeadlineExceeded)
		}
		return catalog.Page{}, fmt.Errorf("chromedp navigate %s: %w", url, err)
	}
	status, headers, responseURL := s.meta.snapshotWithFallbacks(url, finalURL)
	return catalog.Page{
		RequestedURL: url,
		FinalURL:     responseURL,
		StatusCode:   status,
		Header:       headers,
		HTML:         []byte(html),
		FetchedAt:    time.Now().UTC(),
	}, nil
}

func (s *Session) run(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady(s.factory.cfg.WaitSelector, chromedp.ByQuery),
	}
	if d := s.factory.cfg.SettleDelay; d > 0 {
		actions = append(actions, chromedp.Sleep(d))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", err
	}
	return html, finalURL, nil
}

// Close closes the tab and its browser.
func (s *Session) Close() error {
	s.cancel()
	return nil
}

// responseMeta records the first document response seen after reset, which
// is the main frame's final response.
type responseMeta struct {
	mu       sync.RWMutex
	captured bool
	status   int
	headers  http.Header
	url      string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.captured = false
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captured {
		return
	}
	m.captured = true
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

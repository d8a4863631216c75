package fetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// Renderer loads a page in a browser and returns its HTML after scripts run.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

const (
	// renderSettleTime is how long a page gets to run its scripts before
	// the DOM is captured.
	renderSettleTime = 2 * time.Second

	// browserStartTimeout bounds the initial about:blank health check.
	browserStartTimeout = 30 * time.Second

	// DefaultRenderTimeout is the per-page deadline when none is configured.
	DefaultRenderTimeout = 90 * time.Second
)

// ChromeRenderer renders pages through a shared headless Chrome instance.
// The browser starts on the first page that needs it and is reused until
// Close; each Render runs in its own tab.
type ChromeRenderer struct {
	userAgent string
	timeout   time.Duration
	logger    arbor.ILogger

	mu              sync.Mutex
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

// NewChromeRenderer creates a renderer. No browser process starts until the
// first Render call.
func NewChromeRenderer(userAgent string, timeout time.Duration, logger arbor.ILogger) *ChromeRenderer {
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	return &ChromeRenderer{
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger,
	}
}

// Render navigates to the URL in a fresh tab, waits for scripts to settle
// and returns the resulting DOM.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	browserCtx, err := r.ensureBrowser()
	if err != nil {
		return "", err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	// Failed subresource loads (blocked scripts, dead CDNs) explain most
	// half-rendered pages, so count them for the debug log.
	var failedLoads int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if _, ok := ev.(*network.EventLoadingFailed); ok {
			atomic.AddInt64(&failedLoads, 1)
		}
	})

	runCtx, runCancel := context.WithTimeout(tabCtx, r.timeout)
	defer runCancel()

	// The tab context descends from the browser, not the caller, so caller
	// cancellation has to be bridged by hand.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			runCancel()
		case <-done:
		}
	}()

	start := time.Now()
	var html string
	err = chromedp.Run(runCtx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.Sleep(renderSettleTime),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to render page: %w", err)
	}

	r.logger.Debug().
		Str("url", url).
		Int("html_bytes", len(html)).
		Int64("failed_subresources", atomic.LoadInt64(&failedLoads)).
		Dur("duration", time.Since(start)).
		Msg("Rendered page in headless browser")

	return html, nil
}

// ensureBrowser starts the headless browser on first use. A browser whose
// context has died is torn down and replaced.
func (r *ChromeRenderer) ensureBrowser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}
	r.teardownLocked()

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(r.userAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	startCtx, startCancel := context.WithTimeout(browserCtx, browserStartTimeout)
	defer startCancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("failed to start headless browser: %w", err)
	}

	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	r.allocatorCancel = allocatorCancel

	r.logger.Info().
		Str("user_agent", r.userAgent).
		Msg("Headless browser started for render fallback")

	return browserCtx, nil
}

// Close shuts the browser down. The renderer restarts it if used again.
func (r *ChromeRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
	return nil
}

func (r *ChromeRenderer) teardownLocked() {
	if r.browserCancel != nil {
		r.browserCancel()
		r.browserCancel = nil
	}
	if r.allocatorCancel != nil {
		r.allocatorCancel()
		r.allocatorCancel = nil
	}
	r.browserCtx = nil
}

// Package browser renders pages in headless Chromium for the WebBrowse
// tool. Browsers are pooled and reused across searches.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ErrPoolClosed is returned by Fetch after Close.
var ErrPoolClosed = errors.New("browser pool is closed")

// Config configures the browser pool.
type Config struct {
	// MaxInstances bounds concurrently running browsers. Default: 2
	MaxInstances int

	// Timeout bounds a single navigation. Default: 15s
	Timeout time.Duration

	// Headed shows browser windows. Only useful when debugging.
	Headed bool

	// Install downloads Chromium before starting when it is missing.
	Install bool
}

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// renderer is one running browser.
type renderer interface {
	Render(ctx context.Context, url string) (string, error)
	Close() error
}

// Pool hands out browsers, launching new ones up to MaxInstances.
type Pool struct {
	config Config
	logger *slog.Logger
	launch func() (renderer, error)
	stop   func() error

	idle    chan renderer
	mu      sync.Mutex
	closed  bool
	created int
}

// NewPool starts Playwright. Browsers launch lazily on first use.
func NewPool(config Config, logger *slog.Logger) (*Pool, error) {
	config = config.withDefaults()
	if config.Install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("install chromium: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	agents := &userAgents{}
	launch := func() (renderer, error) {
		b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(!config.Headed),
			Timeout:  playwright.Float(float64(config.Timeout.Milliseconds())),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		return &chromium{browser: b, timeout: config.Timeout, agents: agents}, nil
	}
	return newPool(config, logger, launch, pw.Stop), nil
}

func newPool(config Config, logger *slog.Logger, launch func() (renderer, error), stop func() error) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	return &Pool{
		config: config,
		logger: logger.With("component", "browser"),
		launch: launch,
		stop:   stop,
		idle:   make(chan renderer, config.MaxInstances),
	}
}

// Fetch renders url and returns the resulting HTML.
func (p *Pool) Fetch(ctx context.Context, url string) (string, error) {
	r, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	html, err := r.Render(ctx, url)
	if err != nil {
		// A failed render may leave the browser unusable.
		p.discard(r)
		return "", err
	}
	p.release(r)
	return html, nil
}

func (p *Pool) acquire(ctx context.Context) (renderer, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	select {
	case r := <-p.idle:
		p.mu.Unlock()
		return r, nil
	default:
	}
	if p.created < p.config.MaxInstances {
		p.created++
		p.mu.Unlock()
		r, err := p.launch()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		p.logger.Debug("browser launched")
		return r, nil
	}
	p.mu.Unlock()

	select {
	case r, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(r renderer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeRenderer(r)
		return
	}
	select {
	case p.idle <- r:
	default:
		p.closeRenderer(r)
	}
}

func (p *Pool) discard(r renderer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeRenderer(r)
}

// closeRenderer must be called with p.mu held.
func (p *Pool) closeRenderer(r renderer) {
	p.created--
	if err := r.Close(); err != nil {
		p.logger.Warn("close browser", "error", err)
	}
}

// Close shuts down idle browsers and Playwright. Browsers in use close when
// they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	for r := range p.idle {
		p.closeRenderer(r)
	}
	if p.stop != nil {
		if err := p.stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
	}
	return nil
}

// blankDocument is what Chromium serializes when navigation produced nothing.
const blankDocument = "<html><head></head><body></body></html>"

// chromium renders each page in a fresh context with scripts disabled.
type chromium struct {
	browser playwright.Browser
	timeout time.Duration
	agents  *userAgents
}

func (c *chromium) Render(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bctx, err := c.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(c.agents.next()),
		JavaScriptEnabled: playwright.Bool(false),
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create browser context: %w", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()
	timeout := float64(c.timeout.Milliseconds())
	page.SetDefaultTimeout(timeout)

	// Slow pages often have usable content by the time navigation times out.
	_, gotoErr := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(timeout),
	})
	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("read page content: %w", err)
	}
	if gotoErr != nil && strings.TrimSpace(content) == blankDocument {
		return "", fmt.Errorf("navigate to %s: %w", url, gotoErr)
	}
	return content, nil
}

func (c *chromium) Close() error {
	return c.browser.Close()
}

var agentStrings = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
}

// userAgents rotates the user agent between page loads.
type userAgents struct {
	mu sync.Mutex
	n  int
}

func (u *userAgents) next() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ua := agentStrings[u.n%len(agentStrings)]
	u.n++
	return ua
}

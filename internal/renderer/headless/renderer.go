// Package headless renders pages with headless Chrome through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/metrics"
	"github.com/JakeFAU/prerender/internal/render"
)

const (
	defaultTimeout     = 30 * time.Second
	maxTimeout         = 60 * time.Second
	defaultIdleWindow  = 500 * time.Millisecond
	defaultIdleTimeout = 10 * time.Second
	idlePollInterval   = 100 * time.Millisecond
)

// Config controls the headless renderer.
type Config struct {
	PoolSize       int
	UserAgent      string
	ExecPath       string
	NoSandbox      bool
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// IdleWindow is how long the network must stay quiet before the DOM is read.
	IdleWindow time.Duration
	// IdleTimeout bounds the network-idle wait; a busy page is serialized anyway.
	IdleTimeout    time.Duration
	TrackerDomains []string
}

// Renderer implements render.Renderer using a pool of Chrome processes.
type Renderer struct {
	cfg       Config
	validator render.URLValidator
	trackers  *render.HostMatcher
	pool      *browserPool
	logger    *zap.Logger
}

// New creates a Renderer. Browsers launch lazily on first use.
func New(cfg Config, validator render.URLValidator, logger *zap.Logger) (*Renderer, error) {
	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool size must be >= 0")
	}
	if validator == nil {
		return nil, fmt.Errorf("url validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	return &Renderer{
		cfg:       cfg,
		validator: validator,
		trackers:  render.NewHostMatcher(cfg.TrackerDomains),
		pool:      newBrowserPool(cfg.PoolSize, chromeLauncher(cfg), logger.Named("browser_pool")),
		logger:    logger,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 2
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxTimeout <= 0 || cfg.MaxTimeout > maxTimeout {
		cfg.MaxTimeout = maxTimeout
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = defaultIdleWindow
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.TrackerDomains == nil {
		cfg.TrackerDomains = render.DefaultTrackerDomains
	}
	return cfg
}

// Close shuts down every browser in the pool.
func (r *Renderer) Close() {
	r.pool.close()
}

// Render loads req.URL in a fresh tab and returns the serialized DOM.
func (r *Renderer) Render(ctx context.Context, req render.RenderRequest) (render.RenderResult, error) {
	timeout := r.timeout(req.Options.TimeoutMs)

	b, err := r.pool.acquire(ctx)
	if err != nil {
		return render.RenderResult{}, err
	}
	broken := false
	defer func() { r.pool.release(b, broken) }()

	metrics.IncActiveRenders()
	defer metrics.DecActiveRenders()

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()
	// Parent cancellation must reach the tab even though it hangs off the browser context.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	gate := newRequestGate(r.validator, r.trackers, req.Options.BlockResources)
	tracker := newNetworkTracker()
	meta := &responseMeta{}
	chromedp.ListenTarget(runCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go gate.handle(runCtx, e)
		case *network.EventResponseReceived:
			meta.capture(e)
		}
		tracker.observe(ev)
	})

	start := time.Now()
	doc, finalURL, runErr := r.run(runCtx, req, tracker)
	elapsed := time.Since(start)

	if runErr != nil {
		if b.ctx.Err() != nil {
			broken = true
		}
		err := r.classify(ctx, runCtx, req.URL, timeout, gate, runErr)
		metrics.ObserveRender(renderOutcome(err), elapsed)
		return render.RenderResult{}, err
	}
	if err := r.validator.Validate(finalURL); err != nil {
		metrics.ObserveRender("blocked", elapsed)
		return render.RenderResult{}, err
	}
	metrics.ObserveRender("success", elapsed)

	blocked, allowed := gate.counts()
	return render.RenderResult{
		HTML:       []byte(doc),
		FinalURL:   finalURL,
		StatusCode: meta.statusOr(http.StatusOK),
		Metrics: render.RenderMetrics{
			Duration:        elapsed,
			RequestsBlocked: blocked,
			RequestsAllowed: allowed,
		},
	}, nil
}

func (r *Renderer) run(ctx context.Context, req render.RenderRequest, tracker *networkTracker) (string, string, error) {
	var (
		doc      string
		finalURL string
	)
	actions := []chromedp.Action{
		r.setupAction(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if req.Options.AutoScroll {
		actions = append(actions, evaluateAwait(autoScrollScript, nil))
	}
	actions = append(actions, tracker.waitIdle(r.cfg.IdleWindow, r.cfg.IdleTimeout))
	if req.Options.WaitForSelector != "" {
		actions = append(actions, chromedp.WaitReady(req.Options.WaitForSelector, chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Evaluate(serializeScript, &doc),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return doc, finalURL, nil
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
		if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
			return fmt.Errorf("enable fetch domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) classify(parent, runCtx context.Context, url string, timeout time.Duration, gate *requestGate, err error) error {
	if rejected := gate.rejection(); rejected != nil {
		return rejected
	}
	if parent.Err() != nil {
		return fmt.Errorf("render canceled: %w", parent.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &render.RenderTimeoutError{URL: url, Timeout: timeout, Err: err}
	}
	return &render.RenderNavigationError{URL: url, Err: err}
}

func (r *Renderer) timeout(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return r.cfg.DefaultTimeout
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d > r.cfg.MaxTimeout {
		return r.cfg.MaxTimeout
	}
	return d
}

func renderOutcome(err error) string {
	var (
		timeoutErr *render.RenderTimeoutError
		secErr     *render.SecurityRejectedError
		navErr     *render.RenderNavigationError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &secErr):
		return "blocked"
	case errors.As(err, &navErr):
		return "navigation_error"
	default:
		return "canceled"
	}
}

func evaluateAwait(script string, res any) chromedp.Action {
	return chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})
}

// requestGate decides the fate of every paused request.
type requestGate struct {
	validator      render.URLValidator
	trackers       *render.HostMatcher
	blockResources bool

	mu       sync.Mutex
	blocked  int
	allowed  int
	rejected *render.SecurityRejectedError
}

type gateVerdict int

const (
	verdictContinue gateVerdict = iota
	verdictBlockResource
	verdictBlockTracker
	verdictBlockUnsafe
	verdictBlockUnsafeSubresource
)

func newRequestGate(validator render.URLValidator, trackers *render.HostMatcher, blockResources bool) *requestGate {
	return &requestGate{validator: validator, trackers: trackers, blockResources: blockResources}
}

func (g *requestGate) decide(resourceType network.ResourceType, rawURL string) (gateVerdict, error) {
	if resourceType == network.ResourceTypeDocument {
		if err := g.validator.Validate(rawURL); err != nil {
			return verdictBlockUnsafe, err
		}
		return verdictContinue, nil
	}
	if isHTTP(rawURL) {
		if err := g.validator.Validate(rawURL); err != nil {
			return verdictBlockUnsafeSubresource, err
		}
	}
	switch resourceType {
	case network.ResourceTypeImage, network.ResourceTypeFont, network.ResourceTypeMedia:
		if g.blockResources {
			return verdictBlockResource, nil
		}
	}
	if g.trackers.Matches(hostOf(rawURL)) {
		return verdictBlockTracker, nil
	}
	return verdictContinue, nil
}

func (g *requestGate) handle(ctx context.Context, ev *fetch.EventRequestPaused) {
	rawURL := ""
	if ev.Request != nil {
		rawURL = ev.Request.URL
	}
	verdict, err := g.decide(ev.ResourceType, rawURL)
	g.record(verdict, err)

	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(ctx, c.Target)
	if verdict == verdictContinue {
		_ = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
		return
	}
	_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
}

func (g *requestGate) record(verdict gateVerdict, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if verdict == verdictContinue {
		g.allowed++
		return
	}
	g.blocked++
	var sec *render.SecurityRejectedError
	if !errors.As(err, &sec) {
		return
	}
	metrics.ObserveSSRFRejection(string(sec.Reason))
	// Only an unsafe document fails the render; unsafe subresources are dropped.
	if g.rejected == nil && verdict == verdictBlockUnsafe {
		g.rejected = sec
	}
}

func (g *requestGate) rejection() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejected == nil {
		return nil
	}
	return g.rejected
}

func (g *requestGate) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked, g.allowed
}

type responseMeta struct {
	mu     sync.Mutex
	status int
}

// capture keeps the status of the first document response. Redirect hops do
// not emit a response event, so that is the main frame's final response.
func (m *responseMeta) capture(ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument || ev.Response == nil {
		return
	}
	m.mu.Lock()
	if m.status == 0 {
		m.status = int(ev.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) statusOr(fallback int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == 0 {
		return fallback
	}
	return m.status
}

package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

var errPoolClosed = errors.New("browser pool closed")

// browser is one long-lived Chrome process. Each render opens a tab on it.
type browser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (b *browser) healthy() bool {
	return b != nil && b.ctx.Err() == nil
}

func (b *browser) close() {
	if b != nil && b.cancel != nil {
		b.cancel()
	}
}

type launchFunc func() (*browser, error)

// browserPool hands out at most size browsers. Slots launch lazily and a
// browser whose context has died is relaunched on its next acquire.
type browserPool struct {
	slots  chan *browser
	launch launchFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	live   map[*browser]struct{}
}

func newBrowserPool(size int, launch launchFunc, logger *zap.Logger) *browserPool {
	if size <= 0 {
		size = 1
	}
	p := &browserPool{
		slots:  make(chan *browser, size),
		launch: launch,
		logger: logger,
		live:   make(map[*browser]struct{}),
	}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p
}

func (p *browserPool) acquire(ctx context.Context) (*browser, error) {
	var b *browser
	select {
	case b = <-p.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.slots <- b
		return nil, errPoolClosed
	}
	if b.healthy() {
		return b, nil
	}
	if b != nil {
		p.logger.Warn("browser unhealthy, relaunching")
		p.forget(b)
	}
	fresh, err := p.launch()
	if err != nil {
		p.slots <- nil
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	p.mu.Lock()
	p.live[fresh] = struct{}{}
	p.mu.Unlock()
	return fresh, nil
}

// release returns b to the pool. A broken browser is discarded and its slot
// relaunches on the next acquire.
func (p *browserPool) release(b *browser, broken bool) {
	if broken {
		p.forget(b)
		b = nil
	}
	p.slots <- b
}

func (p *browserPool) forget(b *browser) {
	b.close()
	p.mu.Lock()
	delete(p.live, b)
	p.mu.Unlock()
}

func (p *browserPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for b := range p.live {
		b.close()
	}
	p.live = map[*browser]struct{}{}
}

// chromeLauncher starts a headless Chrome through an exec allocator and
// opens its first target so the process is running before the first render.
func chromeLauncher(cfg Config) launchFunc {
	return func() (*browser, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		if cfg.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
		return &browser{
			ctx: browserCtx,
			cancel: func() {
				browserCancel()
				allocCancel()
			},
		}, nil
	}
}

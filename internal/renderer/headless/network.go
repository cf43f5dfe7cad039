package headless

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// networkTracker counts in-flight requests so the renderer can wait for the
// page to go quiet before reading the DOM.
type networkTracker struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	now          func() time.Time
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
		now:          time.Now,
	}
}

func (t *networkTracker) observe(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastActivity = t.now()
}

// idle reports whether nothing is in flight and nothing happened for window.
func (t *networkTracker) idle(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= window
}

// waitIdle blocks until the network is idle or limit elapses. Hitting the
// limit is not an error: long-polling pages never go fully quiet.
func (t *networkTracker) waitIdle(window, limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.NewTimer(limit)
		defer deadline.Stop()
		ticker := time.NewTicker(idlePollInterval)
		defer ticker.Stop()
		for {
			if t.idle(window) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return nil
			case <-ticker.C:
			}
		}
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func isHTTP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

const autoScrollScript = `new Promise((resolve) => {
  let total = 0;
  const step = Math.max(window.innerHeight / 2, 200);
  const timer = setInterval(() => {
    window.scrollBy(0, step);
    total += step;
    if (total >= document.body.scrollHeight || total > 50000) {
      clearInterval(timer);
      window.scrollTo(0, 0);
      resolve(true);
    }
  }, 100);
})`

const serializeScript = `(() => {
  const dt = document.doctype;
  let prefix = "";
  if (dt) {
    prefix = "<!DOCTYPE " + dt.name;
    if (dt.publicId) prefix += ' PUBLIC "' + dt.publicId + '"';
    if (dt.systemId) prefix += (dt.publicId ? "" : " SYSTEM") + ' "' + dt.systemId + '"';
    prefix += ">";
  }
  return prefix + document.documentElement.outerHTML;
})()`

package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/render"
	"github.com/JakeFAU/prerender/internal/ssrf"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PoolSize: -1}, ssrf.New(ssrf.Config{}), nil)
	require.Error(t, err)
	_, err = New(Config{}, nil, nil)
	require.Error(t, err)

	r, err := New(Config{}, ssrf.New(ssrf.Config{}), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, cap(r.pool.slots))
	require.Equal(t, 30*time.Second, r.cfg.DefaultTimeout)
	require.Equal(t, 60*time.Second, r.cfg.MaxTimeout)
	r.Close()
}

func TestRendererTimeoutClamp(t *testing.T) {
	t.Parallel()

	r := &Renderer{cfg: withDefaults(Config{MaxTimeout: 5 * time.Minute})}
	require.Equal(t, 30*time.Second, r.timeout(0))
	require.Equal(t, 2*time.Second, r.timeout(2000))
	require.Equal(t, 60*time.Second, r.timeout(120000))
}

func TestRequestGateDecide(t *testing.T) {
	t.Parallel()

	gate := newRequestGate(ssrf.New(ssrf.Config{}), render.NewHostMatcher(render.DefaultTrackerDomains), true)
	cases := []struct {
		resource network.ResourceType
		url      string
		want     gateVerdict
	}{
		{network.ResourceTypeDocument, "https://example.com/", verdictContinue},
		{network.ResourceTypeDocument, "http://169.254.169.254/latest/meta-data/", verdictBlockUnsafe},
		{network.ResourceTypeImage, "https://example.com/a.png", verdictBlockResource},
		{network.ResourceTypeFont, "https://example.com/a.woff2", verdictBlockResource},
		{network.ResourceTypeMedia, "https://example.com/a.mp4", verdictBlockResource},
		{network.ResourceTypeScript, "https://www.googletagmanager.com/gtm.js", verdictBlockTracker},
		{network.ResourceTypeScript, "https://example.com/app.js", verdictContinue},
		{network.ResourceTypeStylesheet, "https://example.com/app.css", verdictContinue},
		{network.ResourceTypeXHR, "http://127.0.0.1:8080/admin", verdictBlockUnsafeSubresource},
		{network.ResourceTypeFetch, "http://169.254.169.254/latest/meta-data/", verdictBlockUnsafeSubresource},
		{network.ResourceTypeScript, "http://10.1.2.3/internal.js", verdictBlockUnsafeSubresource},
		{network.ResourceTypeImage, "http://192.168.1.1/a.png", verdictBlockUnsafeSubresource},
		{network.ResourceTypeImage, "data:image/png;base64,AAAA", verdictBlockResource},
	}
	for _, tc := range cases {
		got, _ := gate.decide(tc.resource, tc.url)
		require.Equal(t, tc.want, got, "%s %s", tc.resource, tc.url)
	}

	keep := newRequestGate(ssrf.New(ssrf.Config{}), nil, false)
	got, err := keep.decide(network.ResourceTypeImage, "https://example.com/a.png")
	require.NoError(t, err)
	require.Equal(t, verdictContinue, got)
}

func TestRequestGateRecordsFirstRejection(t *testing.T) {
	t.Parallel()

	gate := newRequestGate(ssrf.New(ssrf.Config{}), nil, true)
	verdict, err := gate.decide(network.ResourceTypeDocument, "http://10.0.0.1/")
	gate.record(verdict, err)
	verdict, err = gate.decide(network.ResourceTypeDocument, "http://localhost/")
	gate.record(verdict, err)
	gate.record(verdictContinue, nil)

	var sec *render.SecurityRejectedError
	require.True(t, errors.As(gate.rejection(), &sec))
	require.Equal(t, render.ReasonPrivateIP, sec.Reason)
	blocked, allowed := gate.counts()
	require.Equal(t, 2, blocked)
	require.Equal(t, 1, allowed)
}

func TestRequestGateUnsafeSubresourceDoesNotFailRender(t *testing.T) {
	t.Parallel()

	gate := newRequestGate(ssrf.New(ssrf.Config{}), nil, false)
	verdict, err := gate.decide(network.ResourceTypeXHR, "http://10.0.0.7/api")
	require.Equal(t, verdictBlockUnsafeSubresource, verdict)
	var sec *render.SecurityRejectedError
	require.ErrorAs(t, err, &sec)
	gate.record(verdict, err)

	require.NoError(t, gate.rejection())
	blocked, allowed := gate.counts()
	require.Equal(t, 1, blocked)
	require.Zero(t, allowed)
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()

	r := &Renderer{cfg: withDefaults(Config{})}
	gate := newRequestGate(ssrf.New(ssrf.Config{}), nil, true)
	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")

	err := r.classify(context.Background(), context.Background(), "https://example.com", time.Second, gate, cause)
	var navErr *render.RenderNavigationError
	require.ErrorAs(t, err, &navErr)
	require.Equal(t, "navigation_error", renderOutcome(err))

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	err = r.classify(context.Background(), expired, "https://example.com", time.Second, gate, cause)
	var timeoutErr *render.RenderTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, time.Second, timeoutErr.Timeout)
	require.Equal(t, "timeout", renderOutcome(err))

	parent, parentCancel := context.WithCancel(context.Background())
	parentCancel()
	err = r.classify(parent, parent, "https://example.com", time.Second, gate, cause)
	require.ErrorIs(t, err, context.Canceled)

	verdict, secErr := gate.decide(network.ResourceTypeDocument, "http://127.0.0.1/")
	gate.record(verdict, secErr)
	err = r.classify(context.Background(), expired, "https://example.com", time.Second, gate, cause)
	var sec *render.SecurityRejectedError
	require.ErrorAs(t, err, &sec)
	require.Equal(t, "blocked", renderOutcome(err))
}

func TestNetworkTrackerIdle(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	tracker := newNetworkTracker()
	tracker.now = func() time.Time { return now }
	tracker.lastActivity = now

	tracker.observe(&network.EventRequestWillBeSent{RequestID: "1"})
	now = now.Add(time.Second)
	require.False(t, tracker.idle(500*time.Millisecond))

	tracker.observe(&network.EventLoadingFinished{RequestID: "1"})
	require.False(t, tracker.idle(500*time.Millisecond))
	now = now.Add(600 * time.Millisecond)
	require.True(t, tracker.idle(500*time.Millisecond))

	tracker.observe(&network.EventRequestWillBeSent{RequestID: "2"})
	tracker.observe(&network.EventLoadingFailed{RequestID: "2"})
	now = now.Add(time.Second)
	require.True(t, tracker.idle(500*time.Millisecond))
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	require.Equal(t, http.StatusOK, meta.statusOr(http.StatusOK))
	meta.capture(&network.EventResponseReceived{Type: network.ResourceTypeScript, Response: &network.Response{Status: 500}})
	meta.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 404}})
	meta.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 200}})
	require.Equal(t, http.StatusNotFound, meta.statusOr(http.StatusOK))
}

func TestBrowserPoolReusesAndRelaunches(t *testing.T) {
	t.Parallel()

	var launches atomic.Int32
	pool := newBrowserPool(1, fakeLauncher(&launches, nil), zap.NewNop())
	ctx := context.Background()

	b1, err := pool.acquire(ctx)
	require.NoError(t, err)
	pool.release(b1, false)

	b2, err := pool.acquire(ctx)
	require.NoError(t, err)
	require.Same(t, b1, b2)
	require.EqualValues(t, 1, launches.Load())

	// A browser that died while idle is replaced on the next acquire.
	b2.cancel()
	pool.release(b2, false)
	b3, err := pool.acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, b2, b3)
	require.EqualValues(t, 2, launches.Load())

	pool.release(b3, true)
	require.Error(t, b3.ctx.Err())
	b4, err := pool.acquire(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, launches.Load())
	pool.release(b4, false)

	pool.close()
	require.Error(t, b4.ctx.Err())
	_, err = pool.acquire(ctx)
	require.ErrorIs(t, err, errPoolClosed)
}

func TestBrowserPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var launches atomic.Int32
	pool := newBrowserPool(1, fakeLauncher(&launches, nil), zap.NewNop())
	b, err := pool.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pool.release(b, false)
	_, err = pool.acquire(context.Background())
	require.NoError(t, err)
}

func TestBrowserPoolLaunchFailureFreesSlot(t *testing.T) {
	t.Parallel()

	var launches atomic.Int32
	pool := newBrowserPool(1, fakeLauncher(&launches, errors.New("no chrome")), zap.NewNop())
	for i := 0; i < 2; i++ {
		_, err := pool.acquire(context.Background())
		require.ErrorContains(t, err, "no chrome")
	}
	require.EqualValues(t, 2, launches.Load())
}

func TestRenderAgainstChrome(t *testing.T) {
	if os.Getenv("PRERENDER_TEST_CHROME") == "" {
		t.Skip("set PRERENDER_TEST_CHROME=1 to run against a local Chrome")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!DOCTYPE html><html><head><title>t</title></head><body>
<div id="app"></div>
<script>setTimeout(() => { document.getElementById("app").innerHTML = "<p id='ready'>hello</p>"; }, 50);</script>
</body></html>`)
	}))
	defer srv.Close()

	r, err := New(Config{PoolSize: 1, NoSandbox: true}, allowAll{}, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	res, err := r.Render(context.Background(), render.RenderRequest{
		URL:     srv.URL,
		Options: render.RenderOptions{WaitForSelector: "#ready", BlockResources: true},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.HTML), "<!DOCTYPE html>")
	require.Contains(t, string(res.HTML), `<p id="ready">hello</p>`)
}

func fakeLauncher(count *atomic.Int32, err error) launchFunc {
	return func() (*browser, error) {
		count.Add(1)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		return &browser{ctx: ctx, cancel: cancel}, nil
	}
}

type allowAll struct{}

func (allowAll) Validate(string) error { return nil }

package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prerender/internal/render"
)

const jsonLDBlock = `<script type="application/ld+json">
  {"@context": "https://schema.org",   "@type": "Product",
   "name": "Widget <b>&amp;</b>",  "offers": {"price": "9.99"}}
</script>`

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Widget</title>
  <!-- build: 1234 -->
  <!--[if lt IE 9]><script src="html5shiv.js"></script><![endif]-->
  <style>body { color: red; }</style>
  <script>window.dataLayer = [];</script>
  <script src="https://www.googletagmanager.com/gtm.js"></script>
  ` + jsonLDBlock + `
  <link rel="stylesheet" href="/app.css">
</head>
<body onload="init()">
  <noscript><img src="https://pixel.example/track.gif"></noscript>
  <h1 class="title"   onclick="track('h1')">Widget</h1>


  <p>Price: <strong>9.99</strong></p>
  <pre>  keep
     this  </pre>
  <iframe src="https://www.googletagmanager.com/ns.html?id=GTM-1"></iframe>
  <iframe src="https://www.youtube.com/embed/abc"></iframe>
  <button type="button" onmouseover="x()" disabled>Buy</button>
</body>
</html>
`

func newTestSanitizer() *Sanitizer {
	return New(render.DefaultTrackerDomains)
}

func TestSanitizeRemovesNonSemanticMarkup(t *testing.T) {
	t.Parallel()

	out := string(newTestSanitizer().Sanitize([]byte(samplePage)))

	require.NotContains(t, out, "build: 1234")
	require.NotContains(t, out, "dataLayer")
	require.NotContains(t, out, "gtm.js")
	require.NotContains(t, out, "color: red")
	require.NotContains(t, out, "<noscript")
	require.NotContains(t, out, "pixel.example")
	require.NotContains(t, out, "onload")
	require.NotContains(t, out, "onclick")
	require.NotContains(t, out, "onmouseover")
	require.NotContains(t, out, "ns.html?id=GTM-1")

	require.Contains(t, out, "<!DOCTYPE html>")
	require.Contains(t, out, "<!--[if lt IE 9]>")
	require.Contains(t, out, `<link rel="stylesheet" href="/app.css">`)
	require.Contains(t, out, `<h1 class="title">Widget</h1>`)
	require.Contains(t, out, `<body>`)
	require.Contains(t, out, `<button type="button" disabled="">Buy</button>`)
	require.Contains(t, out, "https://www.youtube.com/embed/abc")
	require.Contains(t, out, "<pre>  keep\n     this  </pre>")
	require.NotContains(t, out, "\n\n\n")
}

func TestSanitizePreservesJSONLDByteForByte(t *testing.T) {
	t.Parallel()

	out := string(newTestSanitizer().Sanitize([]byte(samplePage)))
	require.Contains(t, out, jsonLDBlock)
	require.Equal(t, 1, strings.Count(out, "application/ld+json"))
}

func TestSanitizeJSONLDTypeVariants(t *testing.T) {
	t.Parallel()

	in := `<div><SCRIPT Type="Application/LD+JSON; charset=utf-8">{"a":1}</SCRIPT><script type="text/javascript">evil()</script></div>`
	out := string(newTestSanitizer().Sanitize([]byte(in)))
	require.Equal(t, `<div><SCRIPT Type="Application/LD+JSON; charset=utf-8">{"a":1}</SCRIPT></div>`, out)
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSanitizer()
	inputs := []string{
		samplePage,
		"<p>a <!-- c --> b</p>\n\n<script>x()</script>\n\n<p>c</p>",
		"<div>\n  <style>.x{}</style>\n  <span>y</span>\n</div>",
		"<p>unterminated <script>never closed",
		"</script><p>stray end tags</style></p>",
		"<pre>a<script>b</script>c</pre>",
		"<p>a<<!---->script>alert(1)</script>b</p>",
		"<p>x<<style>s</style>script>y</p>",
		"",
	}
	for _, in := range inputs {
		once := s.Sanitize([]byte(in))
		twice := s.Sanitize(once)
		require.Equal(t, string(once), string(twice), "input %q", in)
	}
}

func TestSanitizeNeverJoinsTextIntoTag(t *testing.T) {
	t.Parallel()

	s := newTestSanitizer()
	for _, in := range []string{
		"<p>a<<!---->script>alert(1)</script>b</p>",
		"<p>x<<style>s</style>script>y</p>",
		"<pre>1<<!-- c -->script>2</pre>",
	} {
		out := string(s.Sanitize([]byte(in)))
		require.NotContains(t, strings.ToLower(out), "<script", "input %q", in)
		require.Contains(t, out, "&lt;script>", "input %q", in)
	}

	require.Equal(t, "<p>1 &lt; 2</p>", string(s.Sanitize([]byte("<p>1 < 2</p>"))))
}

func TestSanitizeSelfClosingRawTextTags(t *testing.T) {
	t.Parallel()

	s := newTestSanitizer()
	out := string(s.Sanitize([]byte(`<div><iframe src="https://www.googletagmanager.com/ns.html"/><p>kept</p></div>`)))
	require.Equal(t, "<div><p>kept</p></div>", out)

	out = string(s.Sanitize([]byte(`<div><script src="/a.js"/><style/><p>kept</p></div>`)))
	require.Equal(t, "<div><p>kept</p></div>", out)

	out = string(s.Sanitize([]byte(`<div><iframe src="https://www.youtube.com/embed/abc"/><p>kept</p></div>`)))
	require.Equal(t, `<div><iframe src="https://www.youtube.com/embed/abc"/><p>kept</p></div>`, out)
}

func TestSanitizeCollapsesWhitespaceBetweenTags(t *testing.T) {
	t.Parallel()

	out := string(newTestSanitizer().Sanitize([]byte("<ul>\n   <li>a</li>\n\n   <li>b</li>\n</ul>")))
	require.Equal(t, "<ul> <li>a</li> <li>b</li> </ul>", out)
}

func TestSanitizeDeterministic(t *testing.T) {
	t.Parallel()

	s := newTestSanitizer()
	require.Equal(t, s.Sanitize([]byte(samplePage)), s.Sanitize([]byte(samplePage)))
}

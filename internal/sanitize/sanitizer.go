// Package sanitize strips non-semantic markup from rendered HTML snapshots.
//
// The sanitizer streams tokens from golang.org/x/net/html and re-emits the raw
// bytes of everything it keeps, so untouched markup (and every JSON-LD block)
// survives byte for byte. Output is deterministic and a second pass is a no-op.
package sanitize

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/JakeFAU/prerender/internal/render"
)

const jsonLDType = "application/ld+json"

// Sanitizer implements render.Sanitizer.
type Sanitizer struct {
	trackers *render.HostMatcher
}

// New builds a Sanitizer that also drops iframes pointing at trackerDomains.
func New(trackerDomains []string) *Sanitizer {
	return &Sanitizer{trackers: render.NewHostMatcher(trackerDomains)}
}

// Sanitize removes comments (except conditional comments), scripts other than
// JSON-LD, style and noscript blocks, inline event handlers, and tracker iframes.
// Whitespace-only text between tags collapses to a single space outside pre and textarea.
func (s *Sanitizer) Sanitize(doc []byte) []byte {
	z := html.NewTokenizer(bytes.NewReader(doc))
	st := &state{out: bytes.Buffer{}}
	st.out.Grow(len(doc))

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			st.flushText()
			return st.out.Bytes()
		case html.TextToken:
			st.text(z.Raw())
		case html.CommentToken:
			raw := z.Raw()
			if isConditionalComment(raw) {
				st.flushText()
				st.out.Write(raw)
			}
		case html.DoctypeToken:
			st.flushText()
			st.out.Write(z.Raw())
		case html.StartTagToken, html.SelfClosingTagToken:
			if !s.startTag(z, tt, st) {
				st.flushText()
				return st.out.Bytes()
			}
		case html.EndTagToken:
			raw := append([]byte(nil), z.Raw()...)
			name, _ := z.TagName()
			tag := string(name)
			if removedElement(tag) {
				continue
			}
			st.flushText()
			st.out.Write(raw)
			if preservesWhitespace(tag) && st.preserve > 0 {
				st.preserve--
			}
		}
	}
}

type state struct {
	out      bytes.Buffer
	pending  []byte
	preserve int
}

// text buffers a text token. A bare '<' is escaped so text joined across a
// dropped comment or element can never form a new tag.
func (st *state) text(raw []byte) {
	raw = escapeLT(raw)
	if st.preserve > 0 {
		st.flushText()
		st.out.Write(raw)
		return
	}
	st.pending = append(st.pending, raw...)
}

func escapeLT(b []byte) []byte {
	if bytes.IndexByte(b, '<') < 0 {
		return b
	}
	return bytes.ReplaceAll(b, []byte("<"), []byte("&lt;"))
}

func (st *state) flushText() {
	if len(st.pending) == 0 {
		return
	}
	if isWhitespace(st.pending) {
		st.out.WriteByte(' ')
	} else {
		st.out.Write(st.pending)
	}
	st.pending = st.pending[:0]
}

// startTag handles one start or self-closing tag. It returns false when the
// document ended while skipping or copying a raw-text element.
func (s *Sanitizer) startTag(z *html.Tokenizer, tt html.TokenType, st *state) bool {
	raw := append([]byte(nil), z.Raw()...)
	name, hasAttr := z.TagName()
	tag := string(name)
	var attrs []html.Attribute
	if hasAttr {
		attrs = readAttrs(z)
	}
	selfClosing := tt == html.SelfClosingTagToken
	if selfClosing {
		// The tokenizer enters raw-text mode for <script/>, <iframe/> and the
		// like; a self-closing tag has no body to copy or skip.
		z.NextIsNotRawText()
	}

	switch tag {
	case "script":
		if isJSONLD(attrs) {
			st.flushText()
			st.out.Write(raw)
			if selfClosing {
				return true
			}
			return copyRawUntilEnd(z, tag, &st.out)
		}
		return selfClosing || skipUntilEnd(z, tag)
	case "style", "noscript":
		return selfClosing || skipUntilEnd(z, tag)
	case "iframe":
		if s.isTrackerFrame(attrs) {
			return selfClosing || skipUntilEnd(z, tag)
		}
	}

	st.flushText()
	writeTag(&st.out, raw, tag, attrs, selfClosing)
	if tt == html.StartTagToken && preservesWhitespace(tag) {
		st.preserve++
	}
	return true
}

func (s *Sanitizer) isTrackerFrame(attrs []html.Attribute) bool {
	for _, attr := range attrs {
		if attr.Key != "src" {
			continue
		}
		u, err := url.Parse(strings.TrimSpace(attr.Val))
		if err != nil {
			return false
		}
		return s.trackers.Matches(u.Hostname())
	}
	return false
}

func readAttrs(z *html.Tokenizer) []html.Attribute {
	var attrs []html.Attribute
	for {
		key, val, more := z.TagAttr()
		attrs = append(attrs, html.Attribute{Key: string(key), Val: string(val)})
		if !more {
			return attrs
		}
	}
}

// writeTag re-emits the original bytes unless an inline event handler has to go.
func writeTag(out *bytes.Buffer, raw []byte, tag string, attrs []html.Attribute, selfClosing bool) {
	if !hasEventHandler(attrs) {
		out.Write(raw)
		return
	}
	out.WriteByte('<')
	out.WriteString(tag)
	for _, attr := range attrs {
		if isEventHandler(attr.Key) {
			continue
		}
		out.WriteByte(' ')
		out.WriteString(attr.Key)
		out.WriteString(`="`)
		out.WriteString(html.EscapeString(attr.Val))
		out.WriteByte('"')
	}
	if selfClosing {
		out.WriteString("/>")
		return
	}
	out.WriteByte('>')
}

func skipUntilEnd(z *html.Tokenizer, tag string) bool {
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == tag {
				return true
			}
		}
	}
}

func copyRawUntilEnd(z *html.Tokenizer, tag string, out *bytes.Buffer) bool {
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return false
		}
		raw := append([]byte(nil), z.Raw()...)
		out.Write(raw)
		if tt == html.EndTagToken {
			if name, _ := z.TagName(); string(name) == tag {
				return true
			}
		}
	}
}

func isJSONLD(attrs []html.Attribute) bool {
	for _, attr := range attrs {
		if attr.Key != "type" {
			continue
		}
		mediaType, _, _ := strings.Cut(attr.Val, ";")
		return strings.EqualFold(strings.TrimSpace(mediaType), jsonLDType)
	}
	return false
}

func hasEventHandler(attrs []html.Attribute) bool {
	for _, attr := range attrs {
		if isEventHandler(attr.Key) {
			return true
		}
	}
	return false
}

func isEventHandler(key string) bool {
	return len(key) > 2 && strings.HasPrefix(key, "on")
}

func isConditionalComment(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte("<!--[if")) ||
		bytes.HasPrefix(raw, []byte("<![if")) ||
		bytes.HasPrefix(raw, []byte("<![endif"))
}

func removedElement(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript"
}

func preservesWhitespace(tag string) bool {
	return tag == "pre" || tag == "textarea"
}

func isWhitespace(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r', '\f':
		default:
			return false
		}
	}
	return true
}

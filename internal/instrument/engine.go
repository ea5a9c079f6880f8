// Package instrument turns a campaign body into the per-recipient body that is
// actually sent: merge tags filled in, unsubscribe and web-version links
// minted, outbound links routed through click tracking and an open pixel
// appended.
package instrument

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/osteele/liquid"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/pkg/logger"
	"github.com/ignite/mailtrack/internal/token"
)

// DefaultCacheSize is the number of parsed templates kept per engine.
const DefaultCacheSize = 256

// Route prefixes, relative to the tracking base URL.
const (
	OpenPath        = "/track/open/"
	ClickPath       = "/track/click/"
	UnsubscribePath = "/unsubscribe/"
	WebVersionPath  = "/view/"
)

const (
	unsubscribeTag = "{{unsubscribe_url}}"
	webVersionTag  = "{{web_version_url}}"
)

// MergeData holds the per-recipient values for merge tags. Empty fields render
// as empty strings.
type MergeData struct {
	FirstName    string
	LastName     string
	Email        string
	CampaignName string
}

func (d MergeData) bindings() map[string]interface{} {
	return map[string]interface{}{
		"first_name":    d.FirstName,
		"last_name":     d.LastName,
		"email":         d.Email,
		"campaign_name": d.CampaignName,
		// Bound to themselves so the URL passes that follow still find them.
		"unsubscribe_url": unsubscribeTag,
		"web_version_url": webVersionTag,
	}
}

// Result is the instrumented body plus what was minted for it.
type Result struct {
	Body           domain.EmailBody
	Links          []string
	UnsubscribeURL string
	WebVersionURL  string
}

// Engine is safe for concurrent use.
type Engine struct {
	codec  *token.Codec
	liquid *liquid.Engine
	cache  *lru.Cache[string, *liquid.Template]
}

// Option customizes an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	cacheSize int
}

// WithCacheSize overrides DefaultCacheSize.
func WithCacheSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// NewEngine creates an engine that mints its tokens with codec.
func NewEngine(codec *token.Codec, opts ...Option) *Engine {
	o := engineOptions{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *liquid.Template](o.cacheSize)
	return &Engine{
		codec:  codec,
		liquid: liquid.NewEngine(),
		cache:  cache,
	}
}

// Instrument runs the full pipeline over body. The order of the passes is
// fixed: merge tags, unsubscribe URL, web-version URL, link rewriting, then
// the open pixel. The subject only gets merge tags; the text part gets merge
// tags and the two URL substitutions.
func (e *Engine) Instrument(ic domain.InstrumentationContext, data MergeData, body domain.EmailBody) Result {
	base := strings.TrimRight(ic.TrackingBaseURL, "/")
	res := Result{
		UnsubscribeURL: base + UnsubscribePath + e.codec.EncodeUnsubscribe(ic.SubscriberID, ic.TenantID),
		WebVersionURL:  base + WebVersionPath + e.codec.EncodeWebVersion(ic.CampaignID, ic.SubscriberID, ic.TenantID),
	}

	res.Body.Subject = e.merge(body.Subject, data)

	out := e.merge(body.HTML, data)
	out = substituteURLs(out, res.UnsubscribeURL, res.WebVersionURL)
	out, res.Links = e.rewriteLinks(out, ic, base)
	res.Body.HTML = e.injectPixel(out, ic, base)

	if body.Text != "" {
		text := e.merge(body.Text, data)
		res.Body.Text = substituteURLs(text, res.UnsubscribeURL, res.WebVersionURL)
	}
	return res
}

// RenderWebVersion produces the browser copy of a campaign: merge tags and
// URL substitution, but no click rewriting and no pixel.
func (e *Engine) RenderWebVersion(ic domain.InstrumentationContext, data MergeData, body domain.EmailBody) domain.EmailBody {
	base := strings.TrimRight(ic.TrackingBaseURL, "/")
	unsub := base + UnsubscribePath + e.codec.EncodeUnsubscribe(ic.SubscriberID, ic.TenantID)
	view := base + WebVersionPath + e.codec.EncodeWebVersion(ic.CampaignID, ic.SubscriberID, ic.TenantID)

	out := domain.EmailBody{Subject: e.merge(body.Subject, data)}
	out.HTML = substituteURLs(e.merge(body.HTML, data), unsub, view)
	if body.Text != "" {
		out.Text = substituteURLs(e.merge(body.Text, data), unsub, view)
	}
	return out
}

// merge renders merge tags through Liquid. Placeholders that do not name a
// bound value are kept verbatim. A template that does not parse or render
// falls back to plain placeholder replacement.
func (e *Engine) merge(src string, data MergeData) string {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src
	}

	guarded, restore := protectUnbound(src)
	tpl, err := e.template(guarded)
	if err != nil {
		logger.Debug("merge template did not parse, using literal replacement", "error", err.Error())
		return literalMerge(src, data)
	}
	out, rerr := tpl.RenderString(data.bindings())
	if rerr != nil {
		logger.Debug("merge template did not render, using literal replacement", "error", rerr.Error())
		return literalMerge(src, data)
	}
	if restore != nil {
		out = restore.Replace(out)
	}
	return out
}

var boundNames = func() map[string]bool {
	names := map[string]bool{}
	for k := range (MergeData{}).bindings() {
		names[k] = true
	}
	return names
}()

var outputTagRe = regexp.MustCompile(`(?s)\{\{.*?\}\}`)

// protectUnbound swaps every output tag whose variable is not bound for a
// marker Liquid treats as text. The returned replacer puts them back; it is
// nil when nothing was swapped.
func protectUnbound(src string) (string, *strings.Replacer) {
	var pairs []string
	out := outputTagRe.ReplaceAllStringFunc(src, func(tag string) string {
		if boundNames[tagVariable(tag)] {
			return tag
		}
		marker := fmt.Sprintf("\x00%d\x00", len(pairs)/2)
		pairs = append(pairs, marker, tag)
		return marker
	})
	if len(pairs) == 0 {
		return src, nil
	}
	return out, strings.NewReplacer(pairs...)
}

// tagVariable returns the leading identifier of an output tag, so
// "{{- first_name | upcase }}" yields "first_name".
func tagVariable(tag string) string {
	expr := strings.TrimSpace(strings.Trim(tag[2:len(tag)-2], "-"))
	end := strings.IndexFunc(expr, func(r rune) bool {
		return r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if end >= 0 {
		expr = expr[:end]
	}
	return expr
}

func (e *Engine) template(src string) (*liquid.Template, error) {
	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])
	if tpl, ok := e.cache.Get(key); ok {
		return tpl, nil
	}
	tpl, err := e.liquid.ParseString(src)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, tpl)
	return tpl, nil
}

var mergeTagRe = regexp.MustCompile(`\{\{\s*(first_name|last_name|email|campaign_name)\s*\}\}`)

func literalMerge(src string, data MergeData) string {
	values := map[string]string{
		"first_name":    data.FirstName,
		"last_name":     data.LastName,
		"email":         data.Email,
		"campaign_name": data.CampaignName,
	}
	return mergeTagRe.ReplaceAllStringFunc(src, func(m string) string {
		return values[mergeTagRe.FindStringSubmatch(m)[1]]
	})
}

var (
	unsubscribeTagRe = regexp.MustCompile(`\{\{\s*unsubscribe_url\s*\}\}`)
	webVersionTagRe  = regexp.MustCompile(`\{\{\s*web_version_url\s*\}\}`)
)

func substituteURLs(s, unsubscribeURL, webVersionURL string) string {
	s = unsubscribeTagRe.ReplaceAllLiteralString(s, unsubscribeURL)
	return webVersionTagRe.ReplaceAllLiteralString(s, webVersionURL)
}

var (
	anchorRe = regexp.MustCompile(`(?is)<a\b[^>]*>`)
	hrefRe   = regexp.MustCompile(`(?is)(\shref\s*=\s*)(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)
)

// rewriteLinks points every qualifying anchor at the click endpoint and
// returns the original destinations in document order.
func (e *Engine) rewriteLinks(doc string, ic domain.InstrumentationContext, base string) (string, []string) {
	var links []string
	out := anchorRe.ReplaceAllStringFunc(doc, func(tag string) string {
		loc := hrefRe.FindStringSubmatchIndex(tag)
		if loc == nil {
			return tag
		}
		var raw string
		for g := 2; g <= 4; g++ {
			if loc[2*g] >= 0 {
				raw = tag[loc[2*g]:loc[2*g+1]]
				break
			}
		}

		dest, ok := trackable(raw, base)
		if !ok {
			return tag
		}
		links = append(links, dest)
		tracked := base + ClickPath + e.codec.EncodeClick(ic.CampaignID, ic.SubscriberID, dest)
		prefix := tag[loc[2]:loc[3]]
		return tag[:loc[0]] + prefix + `"` + tracked + `"` + tag[loc[1]:]
	})
	return out, links
}

// trackable decodes an href value and reports whether it should be wrapped.
func trackable(raw, base string) (string, bool) {
	if strings.Contains(raw, "{{") || strings.Contains(raw, "}}") {
		return "", false
	}
	dest := strings.TrimSpace(html.UnescapeString(raw))
	lower := strings.ToLower(dest)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", false
	}
	if base != "" && isTrackingURL(lower, strings.ToLower(base)) {
		return "", false
	}
	return dest, true
}

// isTrackingURL reports whether lower already targets one of the tracking
// routes under base. Other pages on the same host are still tracked.
func isTrackingURL(lower, base string) bool {
	for _, p := range []string{OpenPath, ClickPath, UnsubscribePath, WebVersionPath} {
		if strings.HasPrefix(lower, base+p) {
			return true
		}
	}
	return false
}

var bodyCloseRe = regexp.MustCompile(`(?i)</body\s*>`)

func (e *Engine) injectPixel(doc string, ic domain.InstrumentationContext, base string) string {
	pixel := fmt.Sprintf(`<img src="%s%s%s" width="1" height="1" alt="" style="display:none" />`,
		base, OpenPath, e.codec.EncodeOpen(ic.CampaignID, ic.SubscriberID))

	all := bodyCloseRe.FindAllStringIndex(doc, -1)
	if len(all) == 0 {
		return doc + pixel
	}
	at := all[len(all)-1][0]
	return doc[:at] + pixel + doc[at:]
}

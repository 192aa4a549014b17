package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultMaxPageChars = 4000
	maxPageBytes        = 10 << 20
)

// ErrBlockedAddress is returned for URLs that resolve to loopback, private,
// link-local or otherwise reserved addresses.
var ErrBlockedAddress = errors.New("websearch: address not allowed")

// PageFetcher loads the HTML of one page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Extractor visits result pages and reduces them to readable text with
// absolute markdown links.
type Extractor struct {
	fetcher      PageFetcher
	maxChars     int
	timeout      time.Duration
	allowPrivate bool
	resolver     *net.Resolver
}

// ExtractorOption customizes an Extractor.
type ExtractorOption func(*Extractor)

// WithFetcher replaces the plain HTTP fetcher, e.g. with a headless browser.
// A nil fetcher is ignored.
func WithFetcher(f PageFetcher) ExtractorOption {
	return func(e *Extractor) {
		if f != nil {
			e.fetcher = f
		}
	}
}

// WithMaxChars bounds the text kept per page. Default: 4000.
func WithMaxChars(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.maxChars = n
		}
	}
}

// WithFetchTimeout bounds the default HTTP fetcher. Default: 15s.
func WithFetchTimeout(d time.Duration) ExtractorOption {
	return func(e *Extractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// AllowPrivateHosts disables the address guard. Only for tests and
// intranet deployments.
func AllowPrivateHosts() ExtractorOption {
	return func(e *Extractor) { e.allowPrivate = true }
}

// NewExtractor creates an extractor. Without WithFetcher pages are fetched
// over HTTP with the address guard applied at dial time as well.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		maxChars: defaultMaxPageChars,
		timeout:  15 * time.Second,
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		e.fetcher = NewHTTPFetcher(e.timeout, e.allowPrivate)
	}
	return e
}

// Extract fetches rawURL and returns its readable text, truncated to the
// configured length.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (string, error) {
	target, err := e.checkURL(ctx, rawURL)
	if err != nil {
		return "", err
	}
	page, err := e.fetcher.Fetch(ctx, target.String())
	if err != nil {
		return "", err
	}
	return truncate(Readable(page, target), e.maxChars), nil
}

func (e *Extractor) checkURL(ctx context.Context, rawURL string) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("url scheme must be http or https, got %q", target.Scheme)
	}
	host := strings.ToLower(target.Hostname())
	if host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if e.allowPrivate {
		return target, nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
		}
		return target, nil
	}
	addrs, err := e.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if blockedIP(addr.IP) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, addr.IP)
		}
	}
	return target, nil
}

// blockedIP reports addresses a fetched page must never come from. The
// cloud metadata endpoint 169.254.169.254 is link-local.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast()
}

// HTTPFetcher fetches pages with net/http. Unless private hosts are
// allowed, every dial is checked so redirects and DNS rebinding cannot
// reach internal addresses.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given overall timeout.
func NewHTTPFetcher(timeout time.Duration, allowPrivate bool) *HTTPFetcher {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !allowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil
	return &HTTPFetcher{client: &http.Client{Timeout: timeout, Transport: transport}}
}

// Fetch returns the body of an HTML or plain text page.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConduitBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", req.URL.Host, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("fetch %s: unsupported content type %q", req.URL.Host, contentType)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", req.URL.Host, err)
	}
	return string(body), nil
}

// skipped elements never contribute text.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Iframe: true,
	atom.Nav: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
	atom.Svg: true, atom.Template: true, atom.Form: true, atom.Button: true,
	atom.Head: true,
}

// blocks start on a new line.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.Table: true, atom.Tr: true, atom.Blockquote: true, atom.Pre: true,
	atom.Br: true, atom.Hr: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Figcaption: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// Readable converts an HTML page into plain text. Headings become "#"
// lines, list items "- " lines and links "[text](absolute url)". Text from
// <main> or <article> is preferred over the whole body. Input that is not
// HTML comes back with its whitespace normalized.
func Readable(page string, base *url.URL) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return normalizeLines(page)
	}

	title := strings.Join(strings.Fields(textOf(find(doc, atom.Title))), " ")
	root := find(doc, atom.Main)
	if root == nil {
		root = find(doc, atom.Article)
	}
	if root == nil {
		root = find(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}

	r := &renderer{base: base}
	r.walk(root)
	body := normalizeLines(r.b.String())

	if title != "" && !strings.HasPrefix(body, "# "+title) {
		return normalizeLines("# " + title + "\n" + body)
	}
	return body
}

// find returns the first element with the given atom in document order.
func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

type renderer struct {
	base  *url.URL
	b     strings.Builder
	space bool
}

func (r *renderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.text(n.Data)
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.A {
			r.link(n)
			return
		}
	}

	block := n.Type == html.ElementNode && blocks[n.DataAtom]
	if block {
		r.newline()
		if level := headingLevel[n.DataAtom]; level > 0 {
			r.b.WriteString(strings.Repeat("#", level) + " ")
		}
		if n.DataAtom == atom.Li {
			r.b.WriteString("- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
	if block {
		r.newline()
	}
}

func (r *renderer) link(n *html.Node) {
	label := strings.Join(strings.Fields(textOf(n)), " ")
	if label == "" {
		return
	}
	href := r.resolve(attr(n, "href"))
	if href == "" {
		r.text(label)
		return
	}
	r.inline("["+label+"]("+href+")", r.space)
	r.space = false
}

func (r *renderer) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if r.base != nil {
		ref = r.base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}

func (r *renderer) text(s string) {
	words := strings.Fields(s)
	if len(words) == 0 {
		if s != "" {
			r.space = true
		}
		return
	}
	first, _ := utf8.DecodeRuneInString(s)
	last, _ := utf8.DecodeLastRuneInString(s)
	r.inline(strings.Join(words, " "), r.space || unicode.IsSpace(first))
	r.space = unicode.IsSpace(last)
}

func (r *renderer) inline(s string, spaced bool) {
	if spaced && r.b.Len() > 0 {
		if prev := r.b.String()[r.b.Len()-1]; prev != '\n' && prev != ' ' {
			r.b.WriteByte(' ')
		}
	}
	r.b.WriteString(s)
}

func (r *renderer) newline() {
	r.space = false
	if r.b.Len() > 0 && r.b.String()[r.b.Len()-1] != '\n' {
		r.b.WriteByte('\n')
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// normalizeLines trims every line and drops empty ones.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}

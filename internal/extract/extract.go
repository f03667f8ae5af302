// Package extract pulls structured content out of fetched HTML documents:
// page text, links, images, schema.org data, and references to external
// resources such as stylesheets, scripts, and fonts.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/ayauxd/website-crawler/internal/urlutil"
	"github.com/ayauxd/website-crawler/pkg/types"
)

// Document wraps a parsed page and the URL it was fetched from. All relative
// references are resolved against the base URL.
type Document struct {
	base *url.URL
	doc  *goquery.Document
}

// Resources lists the external assets a page references, grouped by kind.
type Resources struct {
	Stylesheets []string
	Scripts     []string
	Fonts       []string
}

// Parse builds a Document from raw HTML. base is the final URL of the page
// after redirects.
func Parse(base *url.URL, body []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{base: base, doc: doc}, nil
}

// Title returns the trimmed contents of the first <title> element.
func (d *Document) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

var blockTextTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true,
}

// Text returns the page's visible block-level text, one block per paragraph,
// separated by blank lines. Script and style contents are never included.
// Nested blocks (a list inside a list item) become their own paragraphs
// rather than repeating inside the enclosing one.
func (d *Document) Text() string {
	var blocks []string
	var cur strings.Builder
	depth := 0
	flush := func() {
		if text := normalizeWhitespace(cur.String()); text != "" {
			blocks = append(blocks, text)
		}
		cur.Reset()
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if depth > 0 {
				cur.WriteString(n.Data)
				cur.WriteByte(' ')
			}
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			}
		}
		block := n.Type == html.ElementNode && blockTextTags[n.Data]
		if block {
			flush()
			depth++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			depth--
			flush()
		}
	}
	for _, root := range d.doc.Nodes {
		walk(root)
	}
	return strings.Join(blocks, "\n\n")
}

// Links returns every crawlable anchor on the page, resolved and normalized,
/// with duplicates removed in document order. javascript:, mailto:, tel:, and
// fragment-only hrefs are skipped.
func (d *Document) Links() []types.Link {
	var links []types.Link
	seen := make(map[string]struct{})
	d.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
			if strings.HasPrefix(lower, scheme) {
				return
			}
		}
		resolved, err := urlutil.NormalizeRef(href, d.base)
		if err != nil {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}

		links = append(links, types.Link{
			URL:        resolved,
			Text:       normalizeWhitespace(s.Text()),
			IsExternal: urlutil.Domain(resolved) != strings.ToLower(d.base.Hostname()),
		})
	})
	return links
}

// Images returns every <img> with a usable src, resolved against the base
// URL, carrying whatever descriptive attributes the page provides.
func (d *Document) Images() []types.Image {
	var images []types.Image
	seen := make(map[string]struct{})
	d.doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(strings.ToLower(src), "data:") {
			return
		}
		resolved, err := resolveRef(d.base, src)
		if err != nil {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}

		img := types.Image{URL: resolved}
		img.Alt, _ = s.Attr("alt")
		img.Title, _ = s.Attr("title")
		img.Width, _ = s.Attr("width")
		img.Height, _ = s.Attr("height")
		images = append(images, img)
	})
	return images
}

// SchemaData collects structured data from the page: every JSON-LD block plus
// one synthesized object per top-level microdata item. Blocks that do not
// parse are skipped.
func (d *Document) SchemaData() []map[string]any {
	var data []map[string]any

	d.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return
		}
		switch v := decoded.(type) {
		case map[string]any:
			data = append(data, v)
		case []any:
			for _, item := range v {
				if obj, ok := item.(map[string]any); ok {
					data = append(data, obj)
				}
			}
		}
	})

	d.doc.Find("[itemscope][itemtype]").Each(func(_ int, s *goquery.Selection) {
		// Nested itemscopes are folded into their parent item.
		if s.ParentsFiltered("[itemscope]").Length() > 0 {
			return
		}
		if item := microdataItem(s); len(item) > 1 {
			data = append(data, item)
		}
	})

	return data
}

// microdataItem builds a flat object from one itemscope element. Property
// values come from the attribute appropriate to the tag, falling back to the
// element's text.
func microdataItem(scope *goquery.Selection) map[string]any {
	item := map[string]any{}
	if itemType, ok := scope.Attr("itemtype"); ok {
		item["@type"] = schemaTypeName(itemType)
	}
	scope.Find("[itemprop]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("itemprop")
		if name == "" {
			return
		}
		value := microdataValue(s)
		if value == "" {
			return
		}
		if _, exists := item[name]; !exists {
			item[name] = value
		}
	})
	return item
}

func microdataValue(s *goquery.Selection) string {
	for _, attr := range []string{"content", "href", "datetime", "src"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return normalizeWhitespace(s.Text())
}

// schemaTypeName trims a schema.org itemtype URL down to the bare type name.
func schemaTypeName(itemType string) string {
	itemType = strings.TrimSpace(itemType)
	if idx := strings.LastIndex(itemType, "/"); idx >= 0 {
		return itemType[idx+1:]
	}
	return itemType
}

// fontURLPattern matches url() references to font files inside CSS text.
var fontURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+\.(?:woff2?|ttf|eot|otf)(?:\?[^'")\s]*)?)['"]?\s*\)`)

// Resources collects the stylesheet, script, and font URLs the page
// references, resolved against the base URL.
func (d *Document) Resources() Resources {
	var res Resources
	seen := make(map[string]struct{})
	add := func(list *[]string, ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(strings.ToLower(ref), "data:") {
			return
		}
		resolved, err := resolveRef(d.base, ref)
		if err != nil {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}
		*list = append(*list, resolved)
	}

	d.doc.Find(`link[rel="stylesheet"][href]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(&res.Stylesheets, href)
	})
	d.doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(&res.Scripts, src)
	})
	d.doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, font := range FontURLs(s.Text()) {
			add(&res.Fonts, font)
		}
	})
	return res
}

// FontURLs scans CSS text for url() references to font files. It is also
// used on downloaded stylesheets, where @font-face rules usually live.
func FontURLs(css string) []string {
	matches := fontURLPattern.FindAllStringSubmatch(css, -1)
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		urls = append(urls, m[1])
	}
	return urls
}

// resolveRef resolves a reference against base without the crawl-oriented
// normalization applied to page links; asset URLs keep their exact path.
func resolveRef(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	resolved.Fragment = ""
	return resolved.String(), nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package crawler

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// HTMLParser extracts visible text and outbound links from an HTML body. A
// new struct is intended to have Parse() called on it, which will populate
// its member variables for reading. It also implements TextExtractor.
type HTMLParser struct {
	// Text is a concatenation of all visible text, excluding content from
	// script/style tags.
	Text []byte
	// Links found on the parsed page. May be relative; callers resolve
	// them against the final URL of the fetch.
	Links []*URL
	// HasMetaNoIndex is true if <meta name="robots" content="noindex"> was found.
	HasMetaNoIndex bool
	// HasMetaNoFollow is true if <meta name="robots" content="nofollow"> was found.
	HasMetaNoFollow bool
}

// Parse parses the given body, populating the parser's member variables.
func (p *HTMLParser) Parse(body []byte) { p.parse(body) }

// Extract implements the TextExtractor interface over a fresh parse.
func (p *HTMLParser) Extract(body []byte, contentType string) ([]byte, []*URL) {
	if !IsTextual(contentType) {
		return nil, nil
	}
	p.parse(body)
	if p.HasMetaNoFollow {
		return p.Text, nil
	}
	return p.Text, p.Links
}

// IsTextual reports whether the Content-Type denotes a body the extractor
// should parse.
func IsTextual(contentType string) bool {
	mime := contentType
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	return strings.HasPrefix(mime, "text/") || mime == "application/xhtml+xml"
}

// parse tokenizes the given body as HTML and populates instance variables as
// it is able. Parse errors cause the parser to finish with whatever it has
// found so far. Resets instance variables if run repeatedly.
func (p *HTMLParser) parse(body []byte) {
	p.Text = nil
	p.Links = []*URL{}
	p.HasMetaNoIndex = false
	p.HasMetaNoFollow = false

	utf8Reader, err := charset.NewReader(bytes.NewReader(body), "text/html")
	if err != nil {
		return
	}
	tokenizer := html.NewTokenizer(utf8Reader)

	// Maintains the open-tag counts so we can check "are we currently
	// inside a <script> tag block".
	parentTags := map[string]int{}

	for {
		tokenType := tokenizer.Next()
		switch tokenType {
		case html.ErrorToken:
			// io.EOF or a real tokenize error; either way we are done.
			return

		case html.TextToken:
			if parentTags["script"] > 0 || parentTags["style"] > 0 {
				continue
			}
			txt := bytes.TrimSpace(tokenizer.Text())
			if len(txt) > 0 {
				if len(p.Text) > 0 {
					p.Text = append(p.Text, '\n', '\n')
				}
				p.Text = append(p.Text, txt...)
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tagNameB, hasAttrs := tokenizer.TagName()
			tagName := string(tagNameB)
			if tokenType == html.StartTagToken {
				parentTags[tagName]++
			}
			if !hasAttrs {
				continue
			}
			switch tagName {
			case "a", "area", "frame":
				p.parseRefAttr(tokenizer, "href")
			case "embed":
				p.parseRefAttr(tokenizer, "src")
			case "iframe":
				p.parseIframe(tokenizer)
			case "object":
				p.parseRefAttr(tokenizer, "data")
			case "meta":
				p.parseMetaAttrs(tokenizer)
			}

		case html.EndTagToken:
			tagNameB, _ := tokenizer.TagName()
			tagName := string(tagNameB)
			if n := parentTags[tagName]; n > 1 {
				parentTags[tagName] = n - 1
			} else {
				delete(parentTags, tagName)
			}
		}
	}
}

var (
	contentWordBytes   = []byte("content")
	nameWordBytes      = []byte("name")
	noindexWordBytes   = []byte("noindex")
	nofollowWordBytes  = []byte("nofollow")
	robotsWordBytes    = []byte("robots")
	srcWordBytes       = []byte("src")
	srcdocWordBytes    = []byte("srcdoc")
	httpEquivWordBytes = []byte("http-equiv")
	refreshWordBytes   = []byte("refresh")
	metaRefreshPattern = regexp.MustCompile(`^\s*\d+;\s*url=(.*)`)
)

// parseRefAttr records a link when found in the named attribute of the
// current tag.
func (p *HTMLParser) parseRefAttr(tokenizer *html.Tokenizer, attr string) {
	attrB := []byte(attr)
	for {
		key, val, moreAttr := tokenizer.TagAttr()
		if bytes.Equal(key, attrB) {
			if u, err := ParseURL(strings.TrimSpace(string(val))); err == nil {
				p.Links = append(p.Links, u)
			}
		}
		if !moreAttr {
			return
		}
	}
}

// parseIframe grabs links either from the iframe's src attribute or by
// parsing the embedded srcdoc document.
func (p *HTMLParser) parseIframe(tokenizer *html.Tokenizer) {
	srcdoc, body, err := parseIframeAttrs(tokenizer)
	if err != nil {
		return
	}
	if srcdoc {
		subParser := &HTMLParser{}
		subParser.parse([]byte(body))
		if !(subParser.HasMetaNoFollow || p.HasMetaNoFollow) {
			p.Links = append(p.Links, subParser.Links...)
		}
		return
	}
	if u, err := ParseURL(strings.TrimSpace(body)); err == nil {
		p.Links = append(p.Links, u)
	}
}

// parseIframeAttrs returns whether the iframe carried a srcdoc attribute
// (true) or a src attribute (false), and the attribute's body.
func parseIframeAttrs(tokenizer *html.Tokenizer) (bool, string, error) {
	for {
		key, val, moreAttr := tokenizer.TagAttr()
		if bytes.Equal(key, srcWordBytes) {
			return false, string(val), nil
		} else if bytes.Equal(key, srcdocWordBytes) {
			return true, string(val), nil
		}
		if !moreAttr {
			break
		}
	}
	return false, "", fmt.Errorf("failed to find src or srcdoc attribute in iframe tag")
}

func (p *HTMLParser) parseMetaAttrs(tokenizer *html.Tokenizer) {
	var content, httpEquiv []byte
	var isRobots, noIndex, noFollow bool
	for {
		key, val, moreAttr := tokenizer.TagAttr()
		if bytes.Equal(key, nameWordBytes) {
			isRobots = bytes.Equal(bytes.ToLower(val), robotsWordBytes)
		} else if bytes.Equal(key, contentWordBytes) {
			content = bytes.ToLower(val)
			// This matches ill-formatted contents like "noindexnofollow"
			// too, which is not a big deal.
			noIndex = bytes.Contains(content, noindexWordBytes)
			noFollow = bytes.Contains(content, nofollowWordBytes)
		} else if bytes.Equal(key, httpEquivWordBytes) {
			httpEquiv = bytes.ToLower(val)
		}
		if !moreAttr {
			break
		}
	}

	if bytes.Equal(httpEquiv, refreshWordBytes) && content != nil {
		if results := metaRefreshPattern.FindSubmatch(content); results != nil {
			link := strings.TrimSpace(string(results[1]))
			if u, err := ParseURL(link); err == nil {
				p.Links = append(p.Links, u)
			}
		}
	}

	if isRobots {
		p.HasMetaNoIndex = p.HasMetaNoIndex || noIndex
		p.HasMetaNoFollow = p.HasMetaNoFollow || noFollow
	}
}

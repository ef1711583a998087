package crawler

import (
	"strings"
	"testing"
)

const pageWithLinks = `<!DOCTYPE html>
<html>
<head>
<title>Test Page</title>
<script>var hidden = "script text should not appear";</script>
<style>.hidden { display: none; }</style>
</head>
<body>
<p>Visible paragraph one.</p>
<a href="/relative/path">rel</a>
<a href="http://other.com/page">abs</a>
<area href="http://area.com/x">
<iframe src="http://iframe.com/feed"></iframe>
<meta http-equiv="refresh" content="5; url=http://refresh.com/next">
</body>
</html>`

func TestParseTextAndLinks(t *testing.T) {
	parser := &HTMLParser{}
	parser.Parse([]byte(pageWithLinks))

	text := string(parser.Text)
	if !strings.Contains(text, "Visible paragraph one.") {
		t.Errorf("expected visible text in %q", text)
	}
	if strings.Contains(text, "script text") {
		t.Errorf("script content leaked into text: %q", text)
	}
	if strings.Contains(text, "display: none") {
		t.Errorf("style content leaked into text: %q", text)
	}

	expected := map[string]bool{
		"/relative/path":        false,
		"http://other.com/page": false,
		"http://area.com/x":     false,
		"http://iframe.com/feed": false,
		"http://refresh.com/next": false,
	}
	for _, link := range parser.Links {
		if _, ok := expected[link.String()]; ok {
			expected[link.String()] = true
		}
	}
	for link, found := range expected {
		if !found {
			t.Errorf("link %q not found; got %v", link, parser.Links)
		}
	}
}

func TestParseMetaRobots(t *testing.T) {
	tests := []struct {
		tag      string
		body     string
		noIndex  bool
		noFollow bool
	}{
		{
			tag:  "NoMeta",
			body: `<html><body>hi</body></html>`,
		},
		{
			tag:     "NoIndex",
			body:    `<html><head><meta name="ROBOTS" content="NoIndex"></head></html>`,
			noIndex: true,
		},
		{
			tag:      "NoFollow",
			body:     `<html><head><meta name="robots" content="nofollow"></head></html>`,
			noFollow: true,
		},
		{
			tag:      "Both",
			body:     `<html><head><meta name="robots" content="noindex, nofollow"></head></html>`,
			noIndex:  true,
			noFollow: true,
		},
	}
	for _, tst := range tests {
		parser := &HTMLParser{}
		parser.Parse([]byte(tst.body))
		if parser.HasMetaNoIndex != tst.noIndex {
			t.Errorf("For tag %q HasMetaNoIndex = %v, expected %v", tst.tag, parser.HasMetaNoIndex, tst.noIndex)
		}
		if parser.HasMetaNoFollow != tst.noFollow {
			t.Errorf("For tag %q HasMetaNoFollow = %v, expected %v", tst.tag, parser.HasMetaNoFollow, tst.noFollow)
		}
	}
}

func TestExtractHonorsNoFollow(t *testing.T) {
	body := `<html><head><meta name="robots" content="nofollow"></head>
<body><a href="http://a.com/x">x</a>some text</body></html>`
	parser := &HTMLParser{}
	text, links := parser.Extract([]byte(body), "text/html")
	if len(text) == 0 {
		t.Errorf("expected text from a nofollow page")
	}
	if len(links) != 0 {
		t.Errorf("expected no links from a nofollow page, got %v", links)
	}
}

func TestExtractSkipsNonTextual(t *testing.T) {
	parser := &HTMLParser{}
	text, links := parser.Extract([]byte("\x89PNG..."), "image/png")
	if text != nil || links != nil {
		t.Errorf("expected nothing from an image body, got %q %v", text, links)
	}
}

func TestIsTextual(t *testing.T) {
	tests := []struct {
		input  string
		expect bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"text/plain", true},
		{"application/xhtml+xml", true},
		{"application/pdf", false},
		{"image/png", false},
		{"", false},
	}
	for _, tst := range tests {
		if got := IsTextual(tst.input); got != tst.expect {
			t.Errorf("IsTextual(%q) = %v, expected %v", tst.input, got, tst.expect)
		}
	}
}

func TestParseIframeSrcdoc(t *testing.T) {
	body := `<html><body>
<iframe srcdoc="<a href=http://embedded.com/page>e</a>"></iframe>
</body></html>`
	parser := &HTMLParser{}
	parser.Parse([]byte(body))
	found := false
	for _, link := range parser.Links {
		if link.String() == "http://embedded.com/page" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected srcdoc link, got %v", parser.Links)
	}
}

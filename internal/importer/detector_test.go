package importer

import "testing"

func TestIsDirectFeed(t *testing.T) {
	rss := []byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>T</title></channel></rss>`)
	atom := []byte(`<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><title>T</title></feed>`)
	page := []byte(`<html><head></head><body></body></html>`)

	tests := []struct {
		name        string
		contentType string
		body        []byte
		want        bool
	}{
		{"rss content type", "application/rss+xml", nil, true},
		{"atom content type with charset", "application/atom+xml; charset=utf-8", nil, true},
		{"text/xml with rss body", "text/xml", rss, true},
		{"application/xml with atom body", "application/xml", atom, true},
		{"missing content type sniffed", "", rss, true},
		{"xml without feed root", "application/xml", []byte(`<note/>`), false},
		{"html", "text/html", page, false},
		{"json", "application/json", []byte(`{}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDirectFeed(tt.contentType, tt.body); got != tt.want {
				t.Errorf("IsDirectFeed(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestParseFeedLinks(t *testing.T) {
	body := []byte(`<!DOCTYPE html><html><head>
<link rel="stylesheet" href="/style.css">
<link rel="alternate" type="application/rss+xml" title="Issues" href="/issues.rss">
<link rel="Alternate feed" type="application/atom+xml" href="https://other.example.com/atom.xml">
<link rel="alternate" type="text/html" href="/en">
</head><body>
<link rel="alternate" type="application/rss+xml" href="/ignored.rss">
</body></html>`)

	links := ParseFeedLinks(body, "https://tracker.example.com/project/")
	if len(links) != 2 {
		t.Fatalf("links = %+v, want 2", links)
	}
	if links[0].URL != "https://tracker.example.com/issues.rss" || links[0].Type != FeedTypeRSS || links[0].Title != "Issues" {
		t.Errorf("links[0] = %+v", links[0])
	}
	if links[1].URL != "https://other.example.com/atom.xml" || links[1].Type != FeedTypeAtom {
		t.Errorf("links[1] = %+v", links[1])
	}
}

func TestParseFeedLinks_InvalidBase(t *testing.T) {
	if links := ParseFeedLinks([]byte(`<link rel="alternate" type="application/rss+xml" href="/a">`), "://bad"); len(links) != 0 {
		t.Errorf("links = %+v, want none", links)
	}
}

func TestSelectFeed(t *testing.T) {
	page := "https://tracker.example.com/"
	tests := []struct {
		name  string
		links []FeedLink
		want  string
	}{
		{"none", nil, ""},
		{"same host wins", []FeedLink{
			{URL: "https://cdn.example.net/atom.xml", Type: FeedTypeAtom},
			{URL: "https://tracker.example.com/rss.xml", Type: FeedTypeRSS},
		}, "https://tracker.example.com/rss.xml"},
		{"atom preferred", []FeedLink{
			{URL: "https://tracker.example.com/rss.xml", Type: FeedTypeRSS},
			{URL: "https://tracker.example.com/atom.xml", Type: FeedTypeAtom},
		}, "https://tracker.example.com/atom.xml"},
		{"first on tie", []FeedLink{
			{URL: "https://tracker.example.com/a.rss", Type: FeedTypeRSS},
			{URL: "https://tracker.example.com/b.rss", Type: FeedTypeRSS},
		}, "https://tracker.example.com/a.rss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectFeed(tt.links, page)
			if tt.want == "" {
				if got != nil {
					t.Errorf("SelectFeed() = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.URL != tt.want {
				t.Errorf("SelectFeed() = %+v, want %s", got, tt.want)
			}
		})
	}
}

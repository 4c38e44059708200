package importer

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	FeedTypeRSS  FeedType = "rss"
	FeedTypeAtom FeedType = "atom"
)

// FeedLink はHTMLのheadから検出されたフィードへのリンク。
type FeedLink struct {
	URL   string
	Type  FeedType
	Title string
}

var feedContentTypes = map[string]bool{
	"application/rss+xml":  true,
	"application/atom+xml": true,
	"application/feed+xml": true,
}

var xmlContentTypes = map[string]bool{
	"text/xml":        true,
	"application/xml": true,
}

// mediaType はContent-Typeからパラメータを除いた小文字のメディアタイプを返す。
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// IsDirectFeed はレスポンスがRSS/Atomフィードそのものかを判定する。
// 汎用XMLのContent-Typeの場合は本文の先頭を確認する。
func IsDirectFeed(contentType string, body []byte) bool {
	mt := mediaType(contentType)
	if feedContentTypes[mt] {
		return true
	}
	if !xmlContentTypes[mt] && mt != "" {
		return false
	}
	return looksLikeFeed(body)
}

// looksLikeFeed は本文の先頭4KBにRSS/RDF/Atomのルート要素があるかを返す。
func looksLikeFeed(body []byte) bool {
	n := min(len(body), 4096)
	prefix := strings.ToLower(string(body[:n]))
	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// isHTML はContent-TypeがHTMLかどうかを返す。
func isHTML(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// ParseFeedLinks はHTMLのheadからrel="alternate"のRSS/Atomリンクを抽出する。
// 相対URLはbaseURLで解決する。bodyに到達した時点で解析を終える。
func ParseFeedLinks(htmlBody []byte, baseURL string) []FeedLink {
	var links []FeedLink
	base, err := url.Parse(baseURL)
	if err != nil {
		return links
	}

	z := html.NewTokenizer(bytes.NewReader(htmlBody))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.EndTagToken:
			if tn, _ := z.TagName(); string(tn) == "head" {
				return links
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			switch string(tn) {
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !hasAttr {
				continue
			}

			var rel, typ, href, title string
			for more := true; more; {
				var key, val []byte
				key, val, more = z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					typ = strings.ToLower(string(val))
				case "href":
					href = string(val)
				case "title":
					title = string(val)
				}
			}
			if !containsToken(rel, "alternate") || href == "" {
				continue
			}

			var ft FeedType
			switch typ {
			case "application/rss+xml":
				ft = FeedTypeRSS
			case "application/atom+xml":
				ft = FeedTypeAtom
			default:
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, FeedLink{URL: base.ResolveReference(ref).String(), Type: ft, Title: title})
		}
	}
}

func containsToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if f == token {
			return true
		}
	}
	return false
}

// SelectFeed は候補から取り込むフィードを選ぶ。
// 同一ホストを優先し、同点ならAtom、さらに同点なら先に現れたものを選ぶ。
func SelectFeed(links []FeedLink, pageURL string) *FeedLink {
	if len(links) == 0 {
		return nil
	}
	host := hostOf(pageURL)
	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == host {
			score += 100
		}
		if l.Type == FeedTypeAtom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return &links[best]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

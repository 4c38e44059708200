package security

import (
	"strings"
	"testing"
)

// TestSanitize_AllowedMarkup は課題説明文で使われる書式が保持されることを検証する。
func TestSanitize_AllowedMarkup(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{"paragraph", "<p>Steps to reproduce</p>", []string{"<p>Steps to reproduce</p>"}},
		{"line break", "line1<br>line2", []string{"<br", "line1", "line2"}},
		{"ordered list", "<ol><li>open</li><li>click</li></ol>", []string{"<ol>", "<li>open</li>", "</ol>"}},
		{"unordered list", "<ul><li>a</li></ul>", []string{"<ul>", "<li>a</li>"}},
		{"blockquote", "<blockquote>error log</blockquote>", []string{"<blockquote>error log</blockquote>"}},
		{"code block", "<pre><code>panic: nil map</code></pre>", []string{"<pre><code>panic: nil map</code></pre>"}},
		{"emphasis", "<strong>crash</strong> on <em>save</em>", []string{"<strong>crash</strong>", "<em>save</em>"}},
		{"https image", `<img src="https://example.com/shot.png" alt="screenshot">`, []string{"https://example.com/shot.png", `alt="screenshot"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, want it to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_RemovesDangerousMarkup は典型的なXSSペイロードが無害化されることを検証する。
func TestSanitize_RemovesDangerousMarkup(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
	}{
		{"script", `<p>ok</p><script>alert(1)</script>`, []string{"<script", "alert"}},
		{"iframe", `<iframe src="https://evil.example"></iframe>`, []string{"<iframe"}},
		{"style tag", `<style>body{display:none}</style>`, []string{"<style", "display"}},
		{"svg onload", `<svg onload="alert('xss')">`, []string{"<svg", "onload"}},
		{"img onerror", `<img src="x" onerror="alert('xss')">`, []string{"onerror"}},
		{"javascript uri", `<a href="javascript:alert(1)">x</a>`, []string{"javascript:"}},
		{"data uri", `<a href="data:text/html,<script>alert(1)</script>">x</a>`, []string{"data:text/html"}},
		{"style attribute", `<p style="background:url(javascript:alert(1))">x</p>`, []string{"style=", "javascript:"}},
		{"mixed case handler", `<p OnClick="alert(1)">x</p>`, []string{"onclick"}},
		{"http image", `<img src="http://example.com/a.png">`, []string{"http://example.com/a.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.ToLower(sanitizer.Sanitize(tt.input))
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, strings.ToLower(absent)) {
					t.Errorf("Sanitize(%q) = %q, must not contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

func TestSanitize_LinksOpenInNewTab(t *testing.T) {
	sanitizer := NewContentSanitizer()
	got := sanitizer.Sanitize(`<a href="https://example.com/build/42" target="_self">build</a>`)

	for _, want := range []string{`target="_blank"`, "noopener", "noreferrer"} {
		if !strings.Contains(got, want) {
			t.Errorf("Sanitize() = %q, want it to contain %q", got, want)
		}
	}
	if strings.Contains(got, "_self") {
		t.Errorf("Sanitize() = %q, target=_self must be replaced", got)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()
	input := `<p>See <a href="https://example.com">log</a></p><script>x</script>`

	first := sanitizer.Sanitize(input)
	if second := sanitizer.Sanitize(first); second != first {
		t.Errorf("Sanitize is not idempotent: %q != %q", second, first)
	}
	if sanitizer.Sanitize("") != "" {
		t.Error("empty input should stay empty")
	}
}

// TestClean_OnlyDangerousMarkupBecomesEmpty は危険なタグと空白だけの入力が空になることを検証する。
func TestClean_OnlyDangerousMarkupBecomesEmpty(t *testing.T) {
	sanitizer := NewContentSanitizer()

	for _, input := range []string{
		"   ",
		"<script>alert(1)</script>",
		"  <script>alert(1)</script>\n\t",
		`<iframe src="https://evil.example"></iframe>  `,
	} {
		if got := sanitizer.Clean(input); got != "" {
			t.Errorf("Clean(%q) = %q, want empty", input, got)
		}
	}
}

func TestClean_TrimsAndKeepsText(t *testing.T) {
	sanitizer := NewContentSanitizer()

	if got := sanitizer.Clean("  Looks good to me  "); got != "Looks good to me" {
		t.Errorf("Clean() = %q, want %q", got, "Looks good to me")
	}
}

// TestStripTags はタグを除去して文字実体を復元することを検証する。
func TestStripTags(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		input string
		want  string
	}{
		{"<b>Release</b> 1.2 &amp; notes", "Release 1.2 & notes"},
		{"<script>x</script>Title", "Title"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizer.StripTags(tt.input); got != tt.want {
			t.Errorf("StripTags(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

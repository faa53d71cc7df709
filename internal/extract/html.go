package extract

import (
	"regexp"
	"strings"
)

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
)

// HTMLToText converts an HTML body to plain text (simple implementation)
func HTMLToText(html string) string {
	text := html

	replacements := []struct {
		from string
		to   string
	}{
		{"<br>", "\n"},
		{"<br/>", "\n"},
		{"<br />", "\n"},
		{"</p>", "\n"},
		{"</div>", "\n"},
		{"</tr>", "\n"},
		{"&nbsp;", " "},
		{"&amp;", "&"},
		{"&lt;", "<"},
		{"&gt;", ">"},
		{"&quot;", "\""},
	}
	for _, r := range replacements {
		text = strings.ReplaceAll(text, r.from, r.to)
	}

	text = tagRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	return strings.TrimSpace(text)
}

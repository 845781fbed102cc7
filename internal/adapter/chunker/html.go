package chunker

import (
	"fmt"
	"regexp"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Structural non-content elements removed before text extraction.
var (
	scriptTag    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag     = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	noscriptTag  = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)
	svgTag       = regexp.MustCompile(`(?is)<svg[^>]*>.*?</svg>`)
	htmlComments = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// htmlStripper removes boilerplate elements from HTML and converts the
// remainder to markdown so parent segmentation can work on heading
// boundaries for both content types.
type htmlStripper struct {
	selectors []*regexp.Regexp
}

// newHTMLStripper compiles one removal pattern per configured selector
// (element name, e.g. "nav", "footer").
func newHTMLStripper(selectors []string) *htmlStripper {
	patterns := make([]*regexp.Regexp, 0, len(selectors))
	for _, sel := range selectors {
		patterns = append(patterns, regexp.MustCompile(`(?is)<`+regexp.QuoteMeta(sel)+`\b[^>]*>.*?</`+regexp.QuoteMeta(sel)+`>`))
	}
	return &htmlStripper{selectors: patterns}
}

// ExtractMarkdown strips boilerplate and converts the page to markdown.
func (s *htmlStripper) ExtractMarkdown(raw string) (string, error) {
	cleaned := scriptTag.ReplaceAllString(raw, "")
	cleaned = styleTag.ReplaceAllString(cleaned, "")
	cleaned = noscriptTag.ReplaceAllString(cleaned, "")
	cleaned = svgTag.ReplaceAllString(cleaned, "")
	cleaned = htmlComments.ReplaceAllString(cleaned, "")

	for _, p := range s.selectors {
		cleaned = p.ReplaceAllString(cleaned, "")
	}

	md, err := htmltomarkdown.ConvertString(cleaned)
	if err != nil {
		return "", fmt.Errorf("html to markdown: %w", err)
	}
	return md, nil
}

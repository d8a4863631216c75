package content

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// noiseSelectors matches page chrome that never holds paper content.
const noiseSelectors = "nav, header, footer, aside, script, style, noscript, iframe, form, " +
	".advertisement, .ads, .cookie-banner, .sidebar, .related-articles"

// mainContentSelectors are tried in order to find the article body.
var mainContentSelectors = []string{"main", "article", "[role=main]", "#content", ".content"}

var (
	spaceRegex   = regexp.MustCompile(`[ \t]+`)
	newlineRegex = regexp.MustCompile(`\n{3,}`)
)

// FromHTML reduces an HTML page to its main content region and converts it
// to markdown. The base URL resolves relative links in the output.
func (e *Extractor) FromHTML(rawHTML string, baseURL string) (*Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := extractTitle(doc)
	fragment := mainContent(doc)

	converter := md.NewConverter(baseURL, true, nil)
	markdown, err := converter.ConvertString(fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to convert HTML to markdown: %w", err)
	}

	text := cleanWhitespace(markdown)
	if text == "" {
		return nil, fmt.Errorf("no readable content in HTML document")
	}

	e.logger.Debug().
		Str("title", title).
		Int("html_bytes", len(rawHTML)).
		Int("text_bytes", len(text)).
		Msg("Extracted HTML content")

	return &Extracted{Title: title, Text: text}, nil
}

// mainContent returns the HTML of the region most likely to hold the paper
// body. Pages without a semantic main region fall back to the stripped body.
func mainContent(doc *goquery.Document) string {
	doc.Find(noiseSelectors).Remove()

	for _, selector := range mainContentSelectors {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			continue
		}
		if html, err := goquery.OuterHtml(sel.First()); err == nil && strings.TrimSpace(html) != "" {
			return html
		}
	}

	if html, err := doc.Find("body").Html(); err == nil && strings.TrimSpace(html) != "" {
		return html
	}

	html, _ := doc.Html()
	return html
}

// extractTitle prefers the scholarly citation_title meta tag that publisher
// pages carry, then Open Graph, then the plain page title.
func extractTitle(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[name="citation_title"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// cleanWhitespace collapses runs of spaces and blank lines left over from
// markup conversion.
func cleanWhitespace(text string) string {
	text = spaceRegex.ReplaceAllString(text, " ")
	text = newlineRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

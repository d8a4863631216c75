package intake

import (
	"regexp"
	"strings"
)

// Submission is one paper identifier pulled out of an email.
type Submission struct {
	DOI       string
	ArxivID   string
	SourceURL string
}

var (
	doiRegex          = regexp.MustCompile(`\b10\.\d{4,9}/[^\s"<>]+`)
	arxivTagRegex     = regexp.MustCompile(`(?i)\barxiv:\s*([0-9]{4}\.[0-9]{4,5}(?:v[0-9]+)?)`)
	arxivURLRegex     = regexp.MustCompile(`(?i)arxiv\.org/(?:abs|pdf)/([0-9]{4}\.[0-9]{4,5}(?:v[0-9]+)?)`)
	urlRegex          = regexp.MustCompile(`https?://[^\s"<>]+`)
	arxivVersionRegex = regexp.MustCompile(`v[0-9]+$`)
)

// ParseSubmissions scans free-form email text for paper identifiers. DOIs
// win over the doi.org URLs that carry them, arXiv links collapse into
// arXiv ids, and any other http(s) URL is kept as a direct source. Each
// identifier appears once regardless of how often the email repeats it.
func ParseSubmissions(text string) []Submission {
	var subs []Submission
	seen := make(map[string]bool)

	add := func(key string, sub Submission) {
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		subs = append(subs, sub)
	}

	for _, m := range doiRegex.FindAllString(text, -1) {
		doi := trimPunct(m)
		add("doi:"+strings.ToLower(doi), Submission{DOI: doi})
	}

	for _, g := range arxivTagRegex.FindAllStringSubmatch(text, -1) {
		add(arxivKey(g[1]), Submission{ArxivID: g[1]})
	}
	for _, g := range arxivURLRegex.FindAllStringSubmatch(text, -1) {
		add(arxivKey(g[1]), Submission{ArxivID: g[1]})
	}

	for _, m := range urlRegex.FindAllString(text, -1) {
		u := trimPunct(m)
		lower := strings.ToLower(u)
		if strings.Contains(lower, "doi.org/") || strings.Contains(lower, "arxiv.org/") {
			continue
		}
		add("url:"+lower, Submission{SourceURL: u})
	}

	return subs
}

// arxivKey dedupes across versions: arXiv:1706.03762v5 and a link to
// abs/1706.03762 are the same paper.
func arxivKey(id string) string {
	return "arxiv:" + arxivVersionRegex.ReplaceAllString(strings.ToLower(id), "")
}

func trimPunct(s string) string {
	return strings.TrimRight(s, `.,;:)]}"'`)
}

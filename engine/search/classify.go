package search

import (
	"strings"

	"argus/engine/models"
)

var (
	academicDomains = []string{
		"arxiv.org", "pubmed", "ncbi.nlm.nih.gov", "jstage.jst.go.jp",
		"cir.nii.ac.jp", "scholar.google", "researchgate.net",
		"academia.edu", "sciencedirect.com", "springer.com",
	}
	govPatterns      = []string{".gov", ".go.jp", ".gov.uk", ".gouv.fr", ".gov.au"}
	standardsDomains = []string{"iso.org", "ietf.org", "w3.org", "iana.org", "ieee.org"}
	newsDomains      = []string{
		"reuters.com", "bbc.com", "nytimes.com", "theguardian.com",
		"nhk.or.jp", "asahi.com", "nikkei.com",
	}
	techDomains  = []string{"github.com", "gitlab.com", "stackoverflow.com", "docs.", "developer.", "documentation"}
	blogPatterns = []string{"blog", "medium.com", "note.com", "qiita.com", "zenn.dev"}
)

// ClassifySource maps a URL to its coarse source tag.
func ClassifySource(url string) models.SourceTag {
	u := strings.ToLower(url)
	if containsAny(u, academicDomains) {
		return models.SourceAcademic
	}
	if containsAny(u, govPatterns) {
		return models.SourceGovernment
	}
	if containsAny(u, standardsDomains) {
		return models.SourceStandards
	}
	if strings.Contains(u, "wikipedia.org") || strings.Contains(u, "wikidata.org") {
		return models.SourceKnowledge
	}
	if containsAny(u, newsDomains) {
		return models.SourceNews
	}
	if containsAny(u, techDomains) {
		return models.SourceTechnical
	}
	if containsAny(u, blogPatterns) {
		return models.SourceBlog
	}
	return models.SourceUnknown
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

package fetcher

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/aranea/internal/models"
)

// Extract pulls links, images, title, meta description, and the canonical
// URL out of an HTML body, resolving everything against the final
// (post-redirect) URL. Crawl workers reuse it on renderer output so rendered
// pages go through the same link discovery as plain fetches.
func Extract(result *models.CrawlResult, body []byte, finalURL *url.URL) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return err
	}

	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || shouldSkipLink(href) {
			return
		}
		resolved := resolveRef(href, finalURL)
		if resolved != "" && !seen[resolved] {
			seen[resolved] = true
			result.Links = append(result.Links, resolved)
		}
	})

	imgSeen := make(map[string]bool)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && !shouldSkipLink(src) {
			if resolved := resolveRef(src, finalURL); resolved != "" && !imgSeen[resolved] {
				imgSeen[resolved] = true
				result.Images = append(result.Images, resolved)
			}
		}
		if srcset, ok := s.Attr("srcset"); ok {
			for _, candidate := range strings.Split(srcset, ",") {
				fields := strings.Fields(strings.TrimSpace(candidate))
				if len(fields) == 0 || shouldSkipLink(fields[0]) {
					continue
				}
				if resolved := resolveRef(fields[0], finalURL); resolved != "" && !imgSeen[resolved] {
					imgSeen[resolved] = true
					result.Images = append(result.Images, resolved)
				}
			}
		}
	})

	result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		result.MetaDesc = strings.TrimSpace(desc)
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		result.CanonicalURL = resolveRef(strings.TrimSpace(canonical), finalURL)
	}

	return nil
}

// shouldSkipLink filters schemes and fragments that are never crawlable.
func shouldSkipLink(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// resolveRef resolves a possibly-relative reference against the page URL,
// dropping any fragment. Returns "" for unusable references.
func resolveRef(ref string, base *url.URL) string {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	parsed.Fragment = ""
	return parsed.String()
}

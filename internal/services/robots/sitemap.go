package robots

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/aranea/internal/models"
)

// FetchSitemap collects URL entries from a sitemap. Gzipped bodies are
// detected by magic bytes regardless of the URL suffix. A sitemap index is
// followed one level deep when recurse is true; children are fetched in
// leaf mode so a nested index inside a child is not followed further. The
// result is capped at the configured max.
func (s *Service) FetchSitemap(ctx context.Context, sitemapURL string, recurse bool) ([]models.SitemapEntry, error) {
	body, status, err := s.fetcher.FetchRaw(ctx, sitemapURL, s.maxFetchBytes)
	if err != nil {
		return nil, fmt.Errorf("sitemap fetch failed for %s: %w", sitemapURL, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sitemap fetch for %s returned http %d", sitemapURL, status)
	}

	body, err = s.gunzipIfNeeded(body)
	if err != nil {
		return nil, fmt.Errorf("sitemap decompress failed for %s: %w", sitemapURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sitemap parse failed for %s: %w", sitemapURL, err)
	}

	if children := doc.Find("sitemapindex sitemap loc"); children.Length() > 0 {
		if !recurse {
			// Leaf mode: a nested index yields nothing rather than a
			// recursion chain.
			return nil, nil
		}
		return s.fetchIndexChildren(ctx, children)
	}

	var entries []models.SitemapEntry
	doc.Find("urlset url").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		loc := strings.TrimSpace(sel.Find("loc").First().Text())
		if loc == "" {
			return true
		}
		priority := 0.5 // sitemaps.org default when <priority> is absent
		if raw := strings.TrimSpace(sel.Find("priority").First().Text()); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 && v <= 1 {
				priority = v
			}
		}
		entries = append(entries, models.SitemapEntry{URL: loc, Priority: priority})
		return len(entries) < s.sitemapMax
	})
	return entries, nil
}

// fetchIndexChildren fetches each child sitemap in leaf mode, tolerating
// individual child failures, until the cap is reached.
func (s *Service) fetchIndexChildren(ctx context.Context, children *goquery.Selection) ([]models.SitemapEntry, error) {
	var entries []models.SitemapEntry
	children.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		childURL := strings.TrimSpace(sel.Text())
		if childURL == "" {
			return true
		}
		childEntries, err := s.FetchSitemap(ctx, childURL, false)
		if err != nil {
			s.logger.Debug().Err(err).Str("url", childURL).Msg("Child sitemap skipped")
			return true
		}
		entries = append(entries, childEntries...)
		return len(entries) < s.sitemapMax
	})
	if len(entries) > s.sitemapMax {
		entries = entries[:s.sitemapMax]
	}
	return entries, nil
}

// gunzipIfNeeded decompresses gzip bodies detected by the 1F 8B magic,
// bounding the inflated size by the fetch cap.
func (s *Service) gunzipIfNeeded(body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, s.maxFetchBytes))
}

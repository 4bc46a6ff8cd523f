// Package fetcher retrieves URLs with redirect, content-type, and size
// policy enforced, retrying transient failures with exponential backoff.
// Policy rejections (disallowed type, size cap, redirect overflow) are
// crawl outcomes carried inside the result, not errors.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

type headersKey struct{}

// WithHeaders attaches per-job custom headers to the context; Fetch applies
// them to every request it issues for that call.
func WithHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return context.WithValue(ctx, headersKey{}, headers)
}

func headersFrom(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headersKey{}).(map[string]string)
	return h
}

// Service is the HTTP fetcher shared by crawl workers, the robots resolver,
// and the sitemap collector.
type Service struct {
	transport http.RoundTripper
	config    *common.CrawlerConfig
	policy    *RetryPolicy
	metrics   *metrics.Metrics
	logger    arbor.ILogger
}

var _ interfaces.Fetcher = (*Service)(nil)

// NewService builds the fetcher around a pooled transport. The transport is
// shared across per-call clients so redirect tracking stays call-local
// without losing connection reuse.
func NewService(config *common.CrawlerConfig, m *metrics.Metrics, logger arbor.ILogger) *Service {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Service{
		transport: transport,
		config:    config,
		policy:    NewRetryPolicy(config.RetryAttempts, config.RetryBackoff),
		metrics:   m,
		logger:    logger,
	}
}

// Fetch retrieves the URL with the full crawl policy: manual redirect cap,
// content-type allow-list checked before the body is read, streamed body
// with a size cap, retries on transient failures, then HTML extraction.
func (s *Service) Fetch(ctx context.Context, rawURL string) (*models.CrawlResult, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("unfetchable url %q: %w", rawURL, err)
	}

	start := time.Now()
	result := &models.CrawlResult{
		URLHash:   common.URLHash(rawURL),
		URL:       rawURL,
		Timestamp: start,
	}

	var redirects []string
	client := &http.Client{
		Transport: s.transport,
		Timeout:   s.config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > s.config.MaxRedirects {
				return fmt.Errorf("redirect chain exceeded %d hops", s.config.MaxRedirects)
			}
			redirects = append(redirects, req.URL.String())
			return nil
		},
	}

	var (
		body     []byte
		finalURL *url.URL
		policy   string // Terminal crawl-policy outcome, set by an attempt
	)

	attempt := func() (int, error) {
		redirects = redirects[:0]
		body = nil
		policy = ""

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return 0, err
		}
		s.applyHeaders(ctx, req)

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		finalURL = resp.Request.URL
		result.StatusCode = resp.StatusCode
		result.Headers = flattenHeaders(resp.Header)
		result.ContentType = resp.Header.Get("Content-Type")

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if !s.contentTypeAllowed(result.ContentType) {
				policy = fmt.Sprintf("content type not allowed: %s", result.ContentType)
				return resp.StatusCode, nil
			}
		}

		// Stream with one byte of headroom: landing past the cap is the
		// overflow signal without buffering an unbounded body.
		limited := io.LimitReader(resp.Body, s.config.MaxBodySize+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			return resp.StatusCode, err
		}
		if int64(len(data)) > s.config.MaxBodySize {
			policy = fmt.Sprintf("body exceeded %d byte cap", s.config.MaxBodySize)
			return resp.StatusCode, nil
		}
		body = data
		return resp.StatusCode, nil
	}

	status, err := s.policy.ExecuteWithRetry(ctx, s.logger, attempt)
	result.CrawlTime = time.Since(start)
	result.StatusCode = status
	result.RedirectChain = append([]string(nil), redirects...)

	switch {
	case err != nil:
		result.Error = err.Error()
		s.observe("error", result)
		return result, nil
	case policy != "":
		result.Error = policy
		s.observe("policy", result)
		return result, nil
	}

	result.Content = body
	result.ContentLength = int64(len(body))

	if status >= 200 && status < 300 && isHTML(result.ContentType) {
		if err := Extract(result, body, finalURL); err != nil {
			s.logger.Debug().Err(err).Str("url", rawURL).Msg("HTML extraction failed")
		}
	}

	s.observe("success", result)
	s.logger.Debug().
		Str("url", rawURL).
		Int("status", status).
		Int64("bytes", result.ContentLength).
		Int("links", len(result.Links)).
		Dur("elapsed", result.CrawlTime).
		Msg("Fetched")
	return result, nil
}

// FetchRaw retrieves a capped body without content-type policy, HTML
// processing, or retries. Robots and sitemap fetches use this path.
func (s *Service) FetchRaw(ctx context.Context, rawURL string, maxBytes int64) ([]byte, int, error) {
	client := &http.Client{
		Transport: s.transport,
		Timeout:   s.config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > s.config.MaxRedirects {
				return fmt.Errorf("redirect chain exceeded %d hops", s.config.MaxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	s.applyHeaders(ctx, req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if maxBytes <= 0 {
		maxBytes = s.config.MaxBodySize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (s *Service) applyHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	for k, v := range headersFrom(ctx) {
		req.Header.Set(k, v)
	}
}

// contentTypeAllowed checks the media type against the configured
// allow-list. An empty list allows everything; an unparseable header is
// rejected.
func (s *Service) contentTypeAllowed(contentType string) bool {
	if len(s.config.AllowedContentTypes) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, allowed := range s.config.AllowedContentTypes {
		if strings.EqualFold(mediaType, allowed) {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func (s *Service) observe(outcome string, result *models.CrawlResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.FetchTotal.WithLabelValues(outcome).Inc()
	s.metrics.FetchDuration.Observe(result.CrawlTime.Seconds())
	if result.ContentLength > 0 {
		s.metrics.FetchBytes.Add(float64(result.ContentLength))
	}
}

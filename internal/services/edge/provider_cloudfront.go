package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

const cloudFrontDefaultEndpoint = "https://cloudfront.amazonaws.com/2020-05-31"

// cloudFrontProvider renders the rule set as a CloudFront-style distribution
// config and purges through the invalidation API shape.
type cloudFrontProvider struct {
	distributionID string
	endpoint       string
	rules          []compiledRule
	client         *http.Client
	logger         arbor.ILogger
}

var _ interfaces.EdgeProvider = (*cloudFrontProvider)(nil)

func newCloudFrontProvider(config *common.EdgeConfig, rules []compiledRule, logger arbor.ILogger) *cloudFrontProvider {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = cloudFrontDefaultEndpoint
	}
	return &cloudFrontProvider{
		distributionID: config.DistributionID,
		endpoint:       strings.TrimRight(endpoint, "/"),
		rules:          rules,
		client:         &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
	}
}

func (p *cloudFrontProvider) Name() string { return "cloudfront" }

// Distribution config document shapes. CloudFront wraps every list in a
// Quantity/Items pair.
type cfStringSet struct {
	Quantity int      `json:"Quantity"`
	Items    []string `json:"Items,omitempty"`
}

type cfCookies struct {
	Forward string `json:"Forward"` // "all" or "none"
}

type cfForwardedValues struct {
	QueryString          bool         `json:"QueryString"`
	QueryStringCacheKeys *cfStringSet `json:"QueryStringCacheKeys,omitempty"`
	Headers              cfStringSet  `json:"Headers"`
	Cookies              cfCookies    `json:"Cookies"`
}

type cfBehavior struct {
	PathPattern          string            `json:"PathPattern,omitempty"`
	TargetOriginID       string            `json:"TargetOriginId"`
	ViewerProtocolPolicy string            `json:"ViewerProtocolPolicy"`
	MinTTL               int64             `json:"MinTTL"`
	DefaultTTL           int64             `json:"DefaultTTL"`
	MaxTTL               int64             `json:"MaxTTL"`
	Compress             bool              `json:"Compress"`
	AllowedMethods       cfStringSet       `json:"AllowedMethods"`
	ForwardedValues      cfForwardedValues `json:"ForwardedValues"`
}

type cfBehaviorSet struct {
	Quantity int          `json:"Quantity"`
	Items    []cfBehavior `json:"Items,omitempty"`
}

type cfDistributionConfig struct {
	CallerReference      string        `json:"CallerReference"`
	Comment              string        `json:"Comment"`
	Enabled              bool          `json:"Enabled"`
	DefaultCacheBehavior cfBehavior    `json:"DefaultCacheBehavior"`
	CacheBehaviors       cfBehaviorSet `json:"CacheBehaviors"`
}

// RenderConfig produces the distribution config document. A trailing "*"
// rule becomes the DefaultCacheBehavior (which carries no path pattern);
// otherwise a forward-everything default is synthesized.
func (p *cloudFrontProvider) RenderConfig() ([]byte, error) {
	doc := cfDistributionConfig{
		CallerReference: p.distributionID,
		Comment:         "aranea edge rule set",
		Enabled:         true,
		DefaultCacheBehavior: cfBehavior{
			TargetOriginID:       "origin",
			ViewerProtocolPolicy: "redirect-to-https",
			AllowedMethods:       cfStringSet{Quantity: 2, Items: []string{"GET", "HEAD"}},
			ForwardedValues: cfForwardedValues{
				QueryString: true,
				Cookies:     cfCookies{Forward: "all"},
			},
		},
	}

	for _, rule := range p.rules {
		behavior := p.behaviorFor(rule)
		if rule.PathPattern == "*" {
			behavior.PathPattern = ""
			doc.DefaultCacheBehavior = behavior
			continue
		}
		doc.CacheBehaviors.Items = append(doc.CacheBehaviors.Items, behavior)
	}
	doc.CacheBehaviors.Quantity = len(doc.CacheBehaviors.Items)

	return json.MarshalIndent(doc, "", "  ")
}

func (p *cloudFrontProvider) behaviorFor(rule compiledRule) cfBehavior {
	behavior := cfBehavior{
		PathPattern:          rule.PathPattern,
		TargetOriginID:       "origin",
		ViewerProtocolPolicy: "redirect-to-https",
		Compress:             rule.Compression,
		AllowedMethods: cfStringSet{
			Quantity: len(rule.AllowedMethods),
			Items:    rule.AllowedMethods,
		},
		ForwardedValues: cfForwardedValues{
			Headers: cfStringSet{
				Quantity: len(rule.ForwardHeaders),
				Items:    rule.ForwardHeaders,
			},
			Cookies: cfCookies{Forward: "none"},
		},
	}

	if rule.Behavior == models.BehaviorCache {
		seconds := int64(rule.edgeTTL / time.Second)
		behavior.DefaultTTL = seconds
		behavior.MaxTTL = seconds
	}
	if rule.ForwardCookies {
		behavior.ForwardedValues.Cookies.Forward = "all"
	}

	switch rule.QueryHandling {
	case models.QueryAll:
		behavior.ForwardedValues.QueryString = true
	case models.QueryAllowlist:
		behavior.ForwardedValues.QueryString = true
		behavior.ForwardedValues.QueryStringCacheKeys = &cfStringSet{
			Quantity: len(rule.QueryAllowlist),
			Items:    rule.QueryAllowlist,
		}
	}
	return behavior
}

// Invalidate posts an invalidation batch for the given paths.
func (p *cloudFrontProvider) Invalidate(ctx context.Context, paths []string) error {
	if p.distributionID == "" {
		return fmt.Errorf("cloudfront invalidation requires distribution_id")
	}

	payload := map[string]interface{}{
		"CallerReference": uuid.NewString(),
		"Paths": map[string]interface{}{
			"Quantity": len(paths),
			"Items":    paths,
		},
	}
	url := fmt.Sprintf("%s/distribution/%s/invalidation", p.endpoint, p.distributionID)
	if err := postJSON(ctx, p.client, url, payload); err != nil {
		return fmt.Errorf("cloudfront invalidation failed: %w", err)
	}

	p.logger.Info().Int("paths", len(paths)).Str("distribution", p.distributionID).Msg("Edge invalidation submitted")
	return nil
}

// postJSON submits a JSON payload and fails on non-2xx responses. Shared by
// both provider adapters.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

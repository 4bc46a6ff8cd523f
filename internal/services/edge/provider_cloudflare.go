package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

const cloudflareDefaultEndpoint = "https://api.cloudflare.com/client/v4"

// cloudflareProvider renders the rule set as Cloudflare-style page rules and
// purges through the zone purge_cache API shape.
type cloudflareProvider struct {
	zoneID   string
	endpoint string
	rules    []compiledRule
	client   *http.Client
	logger   arbor.ILogger
}

var _ interfaces.EdgeProvider = (*cloudflareProvider)(nil)

func newCloudflareProvider(config *common.EdgeConfig, rules []compiledRule, logger arbor.ILogger) *cloudflareProvider {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = cloudflareDefaultEndpoint
	}
	return &cloudflareProvider{
		zoneID:   config.ZoneID,
		endpoint: strings.TrimRight(endpoint, "/"),
		rules:    rules,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (p *cloudflareProvider) Name() string { return "cloudflare" }

type cfrTarget struct {
	Target     string `json:"target"`
	Constraint struct {
		Operator string `json:"operator"`
		Value    string `json:"value"`
	} `json:"constraint"`
}

type cfrAction struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value,omitempty"`
}

type cfrPageRule struct {
	Targets  []cfrTarget `json:"targets"`
	Actions  []cfrAction `json:"actions"`
	Priority int         `json:"priority"`
	Status   string      `json:"status"`
}

type cfrZoneConfig struct {
	ZoneID    string        `json:"zone_id"`
	PageRules []cfrPageRule `json:"page_rules"`
}

// RenderConfig produces the page-rule document. Priority follows declaration
// order so first-match-wins survives the translation.
func (p *cloudflareProvider) RenderConfig() ([]byte, error) {
	doc := cfrZoneConfig{ZoneID: p.zoneID}

	for i, rule := range p.rules {
		target := cfrTarget{Target: "url"}
		target.Constraint.Operator = "matches"
		target.Constraint.Value = rule.PathPattern

		actions := []cfrAction{cacheLevelAction(rule)}
		if rule.Behavior == models.BehaviorCache {
			if rule.edgeTTL > 0 {
				actions = append(actions, cfrAction{ID: "edge_cache_ttl", Value: int64(rule.edgeTTL / time.Second)})
			}
			if rule.browserTTL > 0 {
				actions = append(actions, cfrAction{ID: "browser_cache_ttl", Value: int64(rule.browserTTL / time.Second)})
			}
		}
		if rule.QueryHandling == models.QueryNone {
			actions = append(actions, cfrAction{ID: "sort_query_string_for_cache", Value: "off"})
		}

		doc.PageRules = append(doc.PageRules, cfrPageRule{
			Targets:  []cfrTarget{target},
			Actions:  actions,
			Priority: i + 1,
			Status:   "active",
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

func cacheLevelAction(rule compiledRule) cfrAction {
	switch rule.Behavior {
	case models.BehaviorBypass:
		return cfrAction{ID: "cache_level", Value: "bypass"}
	case models.BehaviorOrigin:
		return cfrAction{ID: "cache_level", Value: "standard"}
	default:
		return cfrAction{ID: "cache_level", Value: "cache_everything"}
	}
}

// Invalidate posts a purge_cache request for the given paths.
func (p *cloudflareProvider) Invalidate(ctx context.Context, paths []string) error {
	if p.zoneID == "" {
		return fmt.Errorf("cloudflare purge requires zone_id")
	}

	payload := map[string]interface{}{"files": paths}
	url := fmt.Sprintf("%s/zones/%s/purge_cache", p.endpoint, p.zoneID)
	if err := postJSON(ctx, p.client, url, payload); err != nil {
		return fmt.Errorf("cloudflare purge failed: %w", err)
	}

	p.logger.Info().Int("paths", len(paths)).Str("zone", p.zoneID).Msg("Edge purge submitted")
	return nil
}

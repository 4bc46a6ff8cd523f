// Package robots fetches, parses, caches, and evaluates robots.txt records
// and sitemaps. Missing or unfetchable robots degrade permissively: the
// crawler is allowed everywhere rather than stalled.
package robots

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/aranea/internal/models"
)

// Parse reads a robots.txt body into a record. The parser recognizes
// User-agent groups, Allow/Disallow with * and $ wildcards, Crawl-delay,
// the Request-rate N/S extension, Sitemap lines, and comments. Lines it
// cannot read are skipped; a garbage file parses to an empty (permissive)
// record rather than an error.
func Parse(domain string, body []byte) *models.RobotsRecord {
	record := &models.RobotsRecord{
		Domain:    domain,
		FetchedAt: time.Now(),
	}

	var (
		agents       []string // User-agent tokens of the group being built
		rules        []models.RobotsRule
		crawlDelay   time.Duration
		requestRate  *models.RequestRate
		groupStarted bool // True once the current group has seen a rule line
	)

	flush := func() {
		if len(agents) == 0 {
			return
		}
		for _, agent := range agents {
			record.Groups = append(record.Groups, models.AgentGroup{
				Agent:       agent,
				Rules:       append([]models.RobotsRule(nil), rules...),
				CrawlDelay:  crawlDelay,
				RequestRate: requestRate,
			})
		}
		agents = nil
		rules = nil
		crawlDelay = 0
		requestRate = nil
		groupStarted = false
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "﻿"))
		if line == "" {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)

		switch field {
		case "user-agent":
			if value == "" {
				continue
			}
			// A User-agent line after rules closes the previous group;
			// consecutive User-agent lines share one group.
			if groupStarted {
				flush()
			}
			agents = append(agents, strings.ToLower(value))

		case "allow", "disallow":
			if len(agents) == 0 {
				continue // Rules before any User-agent line are ignored.
			}
			groupStarted = true
			if value == "" {
				continue // Empty pattern matches nothing.
			}
			rules = append(rules, models.RobotsRule{
				Allow:   field == "allow",
				Pattern: value,
			})

		case "crawl-delay":
			if len(agents) == 0 {
				continue
			}
			groupStarted = true
			if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
				crawlDelay = time.Duration(secs * float64(time.Second))
			}

		case "request-rate":
			if len(agents) == 0 {
				continue
			}
			groupStarted = true
			if rate := parseRequestRate(value); rate != nil {
				requestRate = rate
			}

		case "sitemap":
			// Sitemap lines are record-scoped regardless of group position.
			if value != "" {
				record.Sitemaps = append(record.Sitemaps, value)
			}
		}
	}
	flush()

	return record
}

// parseRequestRate reads the "N/S" extension: N requests per S seconds. A
// trailing unit on S ("10/60s") is tolerated.
func parseRequestRate(value string) *models.RequestRate {
	reqPart, secPart, ok := strings.Cut(value, "/")
	if !ok {
		return nil
	}
	requests, err := strconv.Atoi(strings.TrimSpace(reqPart))
	if err != nil || requests <= 0 {
		return nil
	}
	secPart = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(secPart), "s"))
	seconds, err := strconv.Atoi(secPart)
	if err != nil || seconds <= 0 {
		return nil
	}
	return &models.RequestRate{Requests: requests, Seconds: seconds}
}

// selectGroup picks the rule group for a user agent: exact token match
// first, then the longest prefix match, then the * group. Returns nil when
// no group applies.
func selectGroup(groups []models.AgentGroup, userAgent string) *models.AgentGroup {
	token := agentToken(userAgent)

	var best *models.AgentGroup
	bestLen := -1
	var wildcard *models.AgentGroup

	for i := range groups {
		g := &groups[i]
		switch {
		case g.Agent == "*":
			if wildcard == nil {
				wildcard = g
			}
		case g.Agent == token:
			return g
		case strings.HasPrefix(token, g.Agent) && len(g.Agent) > bestLen:
			best = g
			bestLen = len(g.Agent)
		}
	}
	if best != nil {
		return best
	}
	return wildcard
}

// agentToken reduces a full User-Agent header to its lowercased product
// token: "AraneaBot/1.2 (+https://...)" becomes "araneabot".
func agentToken(userAgent string) string {
	token := strings.TrimSpace(strings.ToLower(userAgent))
	if i := strings.IndexAny(token, "/ ("); i >= 0 {
		token = token[:i]
	}
	return token
}

// pathAllowed evaluates a path against a group's rules. The longest
// matching pattern wins; an allow/disallow tie at equal length resolves to
// allow. No matching rule means allowed.
func pathAllowed(group *models.AgentGroup, path string, matcher func(pattern string) *regexp.Regexp) bool {
	if group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}

	allowed := true
	matchedLen := -1
	for _, rule := range group.Rules {
		re := matcher(rule.Pattern)
		if re == nil || !re.MatchString(path) {
			continue
		}
		n := len(rule.Pattern)
		if n > matchedLen || (n == matchedLen && rule.Allow && !allowed) {
			allowed = rule.Allow
			matchedLen = n
		}
	}
	return allowed
}

// compilePattern turns a robots path pattern into an anchored regexp:
// regex metacharacters are escaped, * becomes .*, and a trailing $ anchors
// the end of the path. Returns nil when the pattern cannot compile.
func compilePattern(pattern string) *regexp.Regexp {
	anchorEnd := strings.HasSuffix(pattern, "$")
	if anchorEnd {
		pattern = strings.TrimSuffix(pattern, "$")
	}

	var sb strings.Builder
	sb.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	if anchorEnd {
		sb.WriteString("$")
	}

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil
	}
	return re
}

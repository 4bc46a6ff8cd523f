package models

import (
	"time"
)

// WaitStrategy selects when a render is considered settled.
type WaitStrategy string

const (
	WaitLoad             WaitStrategy = "load"
	WaitDomContentLoaded WaitStrategy = "domcontentloaded"
	WaitNetworkIdle      WaitStrategy = "networkidle"
	WaitSelectorPresent  WaitStrategy = "selector"
	WaitCustomFn         WaitStrategy = "custom"
	WaitAuto             WaitStrategy = "auto"
)

// RenderOptions configures one headless render.
type RenderOptions struct {
	Wait           WaitStrategy  `json:"wait,omitempty"`            // Defaults to auto
	WaitSelector   string        `json:"wait_selector,omitempty"`   // For WaitSelectorPresent
	WaitScript     string        `json:"wait_script,omitempty"`     // For WaitCustomFn: JS that resolves truthy when settled
	Timeout        time.Duration `json:"timeout,omitempty"`         // Per-render bound; pool default when zero
	UserAgent      string        `json:"user_agent,omitempty"`
	BlockTypes     []string      `json:"block_types,omitempty"`     // Resource types to abort (image, media, font, stylesheet)
	BlockDomains   []string      `json:"block_domains,omitempty"`   // Substring host filters
	Screenshot     bool          `json:"screenshot,omitempty"`
	CaptureNetwork bool          `json:"capture_network,omitempty"`
	CaptureConsole bool          `json:"capture_console,omitempty"`
}

// RenderOutcome is the result of one render.
type RenderOutcome struct {
	HTML      string          `json:"html"`
	Artifacts RenderArtifacts `json:"artifacts"`
}

// RenderMetrics snapshots renderer pool counters.
type RenderMetrics struct {
	Total         int64         `json:"total"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	Timeouts      int64         `json:"timeouts"`
	AvgRenderTime time.Duration `json:"avg_render_time"`
	ActiveLeases  int           `json:"active_leases"`
	Browsers      int           `json:"browsers"`
}

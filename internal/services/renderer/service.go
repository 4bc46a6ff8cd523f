// Package renderer drives a pool of headless Chrome processes. Every render
// gets a fresh page context with the stealth script installed; a render
// exception destroys its lease so a poisoned page is never reused.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// ErrDisabled is returned when rendering is switched off in configuration.
var ErrDisabled = errors.New("renderer: disabled by configuration")

// quiesceSettle is how long the network and AJAX counters must stay at zero
// before an auto/network-idle wait considers the page settled.
const quiesceSettle = 500 * time.Millisecond

// Service implements the Renderer interface over the browser pool.
type Service struct {
	config *common.RendererConfig
	pool   *pool

	mu        sync.Mutex
	total     int64
	succeeded int64
	failed    int64
	timeouts  int64
	totalTime time.Duration

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.Renderer = (*Service)(nil)

// NewService builds the renderer. Browsers launch lazily on first acquire,
// so constructing the service on a host without Chrome only fails when a
// render is actually requested.
func NewService(config *common.RendererConfig, userAgent string, m *metrics.Metrics, logger arbor.ILogger) *Service {
	return &Service{
		config:  config,
		pool:    newPool(config, userAgent, logger),
		metrics: m,
		logger:  logger,
	}
}

// Render loads the URL in a fresh page context and returns the
// post-JavaScript HTML plus requested artifacts.
func (s *Service) Render(ctx context.Context, rawURL string, opts models.RenderOptions) (*models.RenderOutcome, error) {
	if !s.config.Enabled {
		return nil, ErrDisabled
	}

	start := time.Now()
	lease, err := s.pool.AcquirePage(ctx)
	if err != nil {
		s.record(start, err)
		return nil, fmt.Errorf("render acquire failed: %w", err)
	}

	outcome, err := s.renderWithLease(ctx, lease, rawURL, opts)
	if err != nil {
		lease.Destroy()
		s.record(start, err)
		return nil, fmt.Errorf("render failed for %s: %w", rawURL, err)
	}
	lease.Release()

	outcome.Artifacts.RenderTime = time.Since(start)
	s.record(start, nil)
	s.logger.Debug().
		Str("url", rawURL).
		Str("waited_for", outcome.Artifacts.WaitedFor).
		Dur("elapsed", outcome.Artifacts.RenderTime).
		Msg("Rendered")
	return outcome, nil
}

func (s *Service) renderWithLease(ctx context.Context, lease *Lease, rawURL string, opts models.RenderOptions) (*models.RenderOutcome, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.RenderTimeout
	}
	renderCtx, cancel := context.WithTimeout(lease.Ctx, timeout)
	defer cancel()

	// Honor the caller's context as well as the render budget.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	outcome := &models.RenderOutcome{}
	tracker := newQuiescenceTracker()

	blockTypes := opts.BlockTypes
	if blockTypes == nil {
		blockTypes = s.config.BlockedResourceTypes
	}
	blockDomains := opts.BlockDomains
	if blockDomains == nil {
		blockDomains = s.config.BlockedDomains
	}
	blocking := len(blockTypes) > 0 || len(blockDomains) > 0

	s.listen(renderCtx, outcome, tracker, opts, blockTypes, blockDomains, blocking)

	ua := opts.UserAgent
	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(s.config.ViewportWidth), int64(s.config.ViewportHeight)),
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(ajaxHookScript).Do(ctx)
			return err
		}),
	}
	if ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua))
	}
	if blocking {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return fetch.Enable().Do(ctx)
		}))
	}
	actions = append(actions, chromedp.Navigate(rawURL))

	if err := chromedp.Run(renderCtx, actions...); err != nil {
		return nil, err
	}

	waitedFor, err := s.wait(renderCtx, opts, tracker)
	if err != nil {
		return nil, err
	}
	outcome.Artifacts.WaitedFor = waitedFor

	capture := []chromedp.Action{
		chromedp.OuterHTML("html", &outcome.HTML),
		chromedp.Title(&outcome.Artifacts.Title),
	}
	if err := chromedp.Run(renderCtx, capture...); err != nil {
		return nil, err
	}
	if opts.Screenshot || s.config.CaptureScreenshots {
		if err := chromedp.Run(renderCtx, chromedp.CaptureScreenshot(&outcome.Artifacts.Screenshot)); err != nil {
			return nil, err
		}
	}

	return outcome, nil
}

// listen wires the CDP event handlers: request interception for blocking,
// the network trace, the console log capture, and the in-flight request
// counter feeding network-idle waits.
func (s *Service) listen(renderCtx context.Context, outcome *models.RenderOutcome, tracker *quiescenceTracker, opts models.RenderOptions, blockTypes, blockDomains []string, blocking bool) {
	var mu sync.Mutex

	chromedp.ListenTarget(renderCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			tracker.add()
			if opts.CaptureNetwork {
				mu.Lock()
				outcome.Artifacts.Network = append(outcome.Artifacts.Network, models.NetworkCall{
					URL:          e.Request.URL,
					Method:       e.Request.Method,
					ResourceType: string(e.Type),
				})
				mu.Unlock()
			}

		case *network.EventLoadingFinished:
			tracker.done()

		case *network.EventLoadingFailed:
			tracker.done()

		case *runtime.EventConsoleAPICalled:
			if !opts.CaptureConsole {
				return
			}
			var parts []string
			for _, arg := range e.Args {
				switch {
				case arg.Value != nil:
					parts = append(parts, string(arg.Value))
				case arg.Description != "":
					parts = append(parts, arg.Description)
				}
			}
			mu.Lock()
			outcome.Artifacts.ConsoleLogs = append(outcome.Artifacts.ConsoleLogs,
				fmt.Sprintf("[%s] %s", e.Type, strings.Join(parts, " ")))
			mu.Unlock()

		case *fetch.EventRequestPaused:
			if !blocking {
				return
			}
			go func() {
				c := chromedp.FromContext(renderCtx)
				execCtx := cdp.WithExecutor(renderCtx, c.Target)
				if shouldBlock(e, blockTypes, blockDomains) {
					if opts.CaptureNetwork {
						mu.Lock()
						outcome.Artifacts.Network = append(outcome.Artifacts.Network, models.NetworkCall{
							URL:          e.Request.URL,
							Method:       e.Request.Method,
							ResourceType: string(e.ResourceType),
							Blocked:      true,
						})
						mu.Unlock()
					}
					// LoadingFailed fires for the blocked request, which
					// settles the tracker.
					_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
					return
				}
				_ = fetch.ContinueRequest(e.RequestID).Do(execCtx)
			}()
		}
	})
}

// wait applies the configured strategy after navigation. Navigate already
// waits for the load event, so Load is a no-op here.
func (s *Service) wait(renderCtx context.Context, opts models.RenderOptions, tracker *quiescenceTracker) (string, error) {
	strategy := opts.Wait
	if strategy == "" {
		strategy = models.WaitAuto
	}

	switch strategy {
	case models.WaitLoad:
		return string(models.WaitLoad), nil

	case models.WaitDomContentLoaded:
		// Load implies DOMContentLoaded has fired.
		return string(models.WaitDomContentLoaded), nil

	case models.WaitSelectorPresent:
		if opts.WaitSelector == "" {
			return "", fmt.Errorf("selector wait strategy requires wait_selector")
		}
		if err := chromedp.Run(renderCtx, chromedp.WaitReady(opts.WaitSelector, chromedp.ByQuery)); err != nil {
			return "", err
		}
		return string(models.WaitSelectorPresent), nil

	case models.WaitCustomFn:
		if opts.WaitScript == "" {
			return "", fmt.Errorf("custom wait strategy requires wait_script")
		}
		if err := chromedp.Run(renderCtx, chromedp.Poll(opts.WaitScript, nil, chromedp.WithPollingInterval(100*time.Millisecond))); err != nil {
			return "", err
		}
		return string(models.WaitCustomFn), nil

	case models.WaitNetworkIdle:
		if tracker.awaitIdle(renderCtx, s.quiesceBudget(renderCtx)) {
			return string(models.WaitNetworkIdle), nil
		}
		return "timeout", renderCtx.Err()

	case models.WaitAuto:
		return s.waitAuto(renderCtx, tracker)

	default:
		return "", fmt.Errorf("unknown wait strategy %q", strategy)
	}
}

// waitAuto probes for SPA markers after load; static pages return
// immediately while app shells wait for network idle plus AJAX quiescence.
// A quiescence timeout is not an error: the page is captured as it stands.
func (s *Service) waitAuto(renderCtx context.Context, tracker *quiescenceTracker) (string, error) {
	var isSPA bool
	if err := chromedp.Run(renderCtx, chromedp.Evaluate(spaProbeScript, &isSPA)); err != nil {
		return "", err
	}
	if !isSPA {
		return "auto:static", nil
	}

	budget := s.quiesceBudget(renderCtx)
	if !tracker.awaitIdle(renderCtx, budget) {
		if renderCtx.Err() != nil {
			return "timeout", renderCtx.Err()
		}
		return "auto:busy", nil
	}

	var quiet bool
	poll := chromedp.Poll(
		fmt.Sprintf("window.__pageQuiet ? window.__pageQuiet(%d) : true", quiesceSettle.Milliseconds()),
		&quiet,
		chromedp.WithPollingInterval(100*time.Millisecond),
		chromedp.WithPollingTimeout(budget),
	)
	if err := chromedp.Run(renderCtx, poll); err != nil {
		if errors.Is(err, chromedp.ErrPollingTimeout) {
			return "auto:busy", nil
		}
		return "", err
	}
	return "auto:quiesced", nil
}

// quiesceBudget bounds idle waits to the remaining render budget minus a
// capture reserve.
func (s *Service) quiesceBudget(renderCtx context.Context) time.Duration {
	deadline, ok := renderCtx.Deadline()
	if !ok {
		return 10 * time.Second
	}
	budget := time.Until(deadline) - 2*time.Second
	if budget < time.Second {
		budget = time.Second
	}
	return budget
}

// Metrics snapshots pool counters.
func (s *Service) Metrics() models.RenderMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	browsers, active := s.pool.counts()
	m := models.RenderMetrics{
		Total:        s.total,
		Succeeded:    s.succeeded,
		Failed:       s.failed,
		Timeouts:     s.timeouts,
		ActiveLeases: active,
		Browsers:     browsers,
	}
	if s.total > 0 {
		m.AvgRenderTime = s.totalTime / time.Duration(s.total)
	}
	return m
}

// Shutdown tears down all pooled browsers.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.pool.shutdown(ctx)
}

func (s *Service) record(start time.Time, err error) {
	elapsed := time.Since(start)

	s.mu.Lock()
	s.total++
	s.totalTime += elapsed
	outcome := "success"
	switch {
	case err == nil:
		s.succeeded++
	case errors.Is(err, context.DeadlineExceeded):
		s.failed++
		s.timeouts++
		outcome = "timeout"
	default:
		s.failed++
		outcome = "error"
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RenderTotal.WithLabelValues(outcome).Inc()
		s.metrics.RenderDuration.Observe(elapsed.Seconds())
	}
}

// shouldBlock applies the type and host-substring filters to a paused
// request.
func shouldBlock(e *fetch.EventRequestPaused, blockTypes, blockDomains []string) bool {
	resourceType := strings.ToLower(string(e.ResourceType))
	for _, t := range blockTypes {
		if resourceType == strings.ToLower(t) {
			return true
		}
	}
	url := strings.ToLower(e.Request.URL)
	for _, domain := range blockDomains {
		if strings.Contains(url, strings.ToLower(domain)) {
			return true
		}
	}
	return false
}

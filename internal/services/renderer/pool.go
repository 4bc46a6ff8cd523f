package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/arbor"
)

var (
	// ErrAcquireTimeout is returned when no page lease became available
	// within the configured acquire window.
	ErrAcquireTimeout = errors.New("renderer: page acquire timed out")

	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("renderer: pool closed")
)

// poolPollInterval paces acquire retries while the pool is saturated.
const poolPollInterval = 100 * time.Millisecond

// browserSlot is one running Chrome process and its open-tab count.
type browserSlot struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	active      int
	failures    int // Consecutive render exceptions; recycled at 3
}

func (b *browserSlot) teardown() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// Lease is one fresh page context handed to a render. Exactly one of
// Release or Destroy must be called; both cancel the page so a context is
// never reused across renders.
type Lease struct {
	Ctx    context.Context
	cancel context.CancelFunc
	slot   *browserSlot
	pool   *pool
	once   sync.Once
}

// Release returns capacity after a clean render.
func (l *Lease) Release() { l.finish(false) }

// Destroy returns capacity after a render exception. The backing browser is
// recycled once it accumulates consecutive failures, on the assumption the
// process is wedged.
func (l *Lease) Destroy() { l.finish(true) }

func (l *Lease) finish(failed bool) {
	l.once.Do(func() {
		l.cancel()
		l.pool.mu.Lock()
		l.slot.active--
		if failed {
			l.slot.failures++
		} else {
			l.slot.failures = 0
		}
		l.pool.mu.Unlock()
	})
}

// pool launches browsers on demand up to maxBrowsers and hands out page
// contexts up to maxContexts per browser.
type pool struct {
	config    *common.RendererConfig
	userAgent string
	logger    arbor.ILogger

	mu       sync.Mutex
	browsers []*browserSlot
	closed   bool
}

func newPool(config *common.RendererConfig, userAgent string, logger arbor.ILogger) *pool {
	return &pool{config: config, userAgent: userAgent, logger: logger}
}

// AcquirePage returns a lease on a fresh page context: an existing browser
// with spare capacity, a newly launched browser while under the cap, or a
// bounded wait for capacity otherwise.
func (p *pool) AcquirePage(ctx context.Context) (*Lease, error) {
	acquireTimeout := p.config.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	deadline := time.Now().Add(acquireTimeout)

	for {
		lease, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poolPollInterval):
			if time.Now().After(deadline) {
				return nil, ErrAcquireTimeout
			}
		}
	}
}

func (p *pool) tryAcquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	// Drop browsers whose process has exited or that keep failing renders.
	alive := p.browsers[:0]
	for _, b := range p.browsers {
		if b.ctx.Err() != nil || (b.failures >= 3 && b.active == 0) {
			b.teardown()
			p.logger.Debug().Int("failures", b.failures).Msg("Browser recycled")
			continue
		}
		alive = append(alive, b)
	}
	p.browsers = alive

	var slot *browserSlot
	for _, b := range p.browsers {
		if b.active < p.config.MaxContextsPerBrowser {
			slot = b
			break
		}
	}

	if slot == nil {
		if len(p.browsers) >= p.config.MaxBrowsers {
			return nil, nil // Saturated; caller waits.
		}
		launched, err := p.launchLocked(ctx)
		if err != nil {
			return nil, err
		}
		slot = launched
	}

	slot.active++
	tabCtx, tabCancel := chromedp.NewContext(slot.ctx)
	return &Lease{Ctx: tabCtx, cancel: tabCancel, slot: slot, pool: p}, nil
}

// launchLocked starts a browser process and verifies it responds before
// adding it to the pool. Called with p.mu held.
func (p *pool) launchLocked(ctx context.Context) (*browserSlot, error) {
	start := time.Now()

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(p.userAgent),
		chromedp.WindowSize(p.config.ViewportWidth, p.config.ViewportHeight),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	slot := &browserSlot{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}
	p.browsers = append(p.browsers, slot)

	p.logger.Info().
		Int("browsers", len(p.browsers)).
		Dur("startup_time", time.Since(start)).
		Msg("Browser launched")
	return slot, nil
}

// counts reports (browsers, active leases) for metrics.
func (p *pool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, b := range p.browsers {
		active += b.active
	}
	return len(p.browsers), active
}

// shutdown tears down every browser, bounded so a wedged Chrome cannot hang
// process exit.
func (p *pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, b := range browsers {
			b.teardown()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Int("browsers", len(browsers)).Msg("Browser pool shutdown timed out")
		return ctx.Err()
	case <-time.After(30 * time.Second):
		p.logger.Warn().Int("browsers", len(browsers)).Msg("Browser pool shutdown timed out")
	}

	p.logger.Info().Int("browsers", len(browsers)).Msg("Browser pool shut down")
	return nil
}

// File: internal/browser/driver.go

// Package browser implements schemas.BrowserDriver on a Chrome tab controlled
// through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

const (
	fallbackActionTimeout     = 15 * time.Second
	fallbackNavigationTimeout = 45 * time.Second
	fallbackStablePoll        = 250 * time.Millisecond
	shutdownTimeout           = 10 * time.Second
)

// Driver owns one browser process and one tab. Primitives are serialized.
type Driver struct {
	// ctx is the tab context; it carries the CDP target.
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         config.BrowserConfig
	logger      *zap.Logger
	mu          sync.Mutex
	closeOnce   sync.Once
	closeErr    error
}

var _ schemas.BrowserDriver = (*Driver)(nil)

// NewDriver launches a browser per cfg and opens a blank tab. The browser
// lives until Close or until ctx is cancelled.
func NewDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	logger = logger.Named("browser")
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = fallbackActionTimeout
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = fallbackNavigationTimeout
	}
	if cfg.StablePoll <= 0 {
		cfg.StablePoll = fallbackStablePoll
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Debug("chromedp", zap.String("detail", fmt.Sprintf(format, args...)))
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Debug("chromedp error", zap.String("detail", fmt.Sprintf(format, args...)))
		}),
	)

	// The first Run starts the browser; it must use the long-lived tab
	// context, not a short-lived operational one.
	w, h := viewport(cfg)
	if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(w), int64(h))); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: failed to start browser: %v", schemas.ErrDriverUnavailable, err)
	}

	logger.Info("Browser started.", zap.Bool("headless", cfg.Headless), zap.Int("width", w), zap.Int("height", h))
	return &Driver{
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Close shuts the browser down, waiting a bounded time for the process to
// exit. Later calls return the first result.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(d.ctx) }()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				d.closeErr = err
			}
		case <-time.After(shutdownTimeout):
			d.closeErr = fmt.Errorf("browser shutdown timed out after %v", shutdownTimeout)
		}
		d.cancel()
		d.allocCancel()
		d.logger.Debug("Browser closed.")
	})
	return d.closeErr
}

// Snapshot annotates the live DOM with layout facts and parses its
// serialization into candidate nodes.
func (d *Driver) Snapshot(ctx context.Context) ([]schemas.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(ctx)
}

func (d *Driver) snapshot(ctx context.Context) ([]schemas.Node, error) {
	var (
		count int
		doc   string
	)
	err := d.run(ctx, d.cfg.ActionTimeout, "snapshot",
		chromedp.Evaluate(annotateScript, &count),
		chromedp.OuterHTML("html", &doc, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	nodes, err := perception.ParseHTML(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	d.logger.Debug("Snapshot taken.", zap.Int("elements", count), zap.Int("nodes", len(nodes)))
	return nodes, nil
}

// WaitStable polls until the document is loaded and its element count holds
// still across two samples. Reaching the timeout is not an error.
func (d *Driver) WaitStable(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitStable(ctx, timeout)
}

func (d *Driver) waitStable(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = d.cfg.StableTimeout
	}
	deadline := time.Now().Add(timeout)
	last := -1

	for {
		var probe struct {
			Ready string `json:"ready"`
			Count int    `json:"count"`
		}
		err := d.run(ctx, d.cfg.ActionTimeout, "stability probe", chromedp.Evaluate(stabilityProbeScript, &probe))
		switch {
		case err == nil && probe.Ready == "complete" && probe.Count == last:
			return nil
		case err == nil:
			last = probe.Count
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, schemas.ErrDriverUnavailable):
			return err
		default:
			// The execution context is usually being replaced by a navigation.
			last = -1
		}

		if !time.Now().Before(deadline) {
			d.logger.Debug("Page did not settle before the timeout.", zap.Duration("timeout", timeout))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.StablePoll):
		}
	}
}

// run executes actions on the tab under the caller's context and an
// operation timeout, and maps failures onto the driver error taxonomy.
func (d *Driver) run(ctx context.Context, timeout time.Duration, op string, actions ...chromedp.Action) error {
	if d.ctx.Err() != nil {
		return fmt.Errorf("%w: %s: browser is closed", schemas.ErrDriverUnavailable, op)
	}
	combined, cancel := CombineContext(d.ctx, ctx)
	defer cancel()
	opCtx, opCancel := context.WithTimeout(combined, timeout)
	defer opCancel()

	err := chromedp.Run(opCtx, actions...)
	return classifyError(ctx, d.ctx, opCtx, op, timeout, err)
}

// classifyError separates caller cancellation, a dead browser and an
// operation timeout from ordinary page-level failures.
func classifyError(callerCtx, browserCtx, opCtx context.Context, op string, timeout time.Duration, err error) error {
	switch {
	case err == nil:
		return nil
	case callerCtx.Err() != nil:
		return fmt.Errorf("%s cancelled: %w", op, callerCtx.Err())
	case browserCtx.Err() != nil:
		return fmt.Errorf("%w: %s: %v", schemas.ErrDriverUnavailable, op, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s did not finish within %v", schemas.ErrDriverTimeout, op, timeout)
	default:
		return fmt.Errorf("%s failed: %w", op, err)
	}
}

// internal/browser/allocator.go
package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/webpilot/internal/config"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
)

// AllocatorOptions translates the browser configuration into chromedp exec
// allocator options. The list is built explicitly rather than from
// chromedp.DefaultExecAllocatorOptions so headless mode stays configurable.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	w, h := viewport(cfg)
	opts = append(opts, chromedp.WindowSize(w, h))

	// key=value arguments become valued flags; bare ones are boolean.
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}
	return opts
}

func viewport(cfg config.BrowserConfig) (int, int) {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	if w <= 0 {
		w = defaultViewportWidth
	}
	if h <= 0 {
		h = defaultViewportHeight
	}
	return w, h
}

// api/schemas/browser.go
package schemas

import (
	"context"
	"errors"
	"time"
)

// -- Driver Primitives --

// Primitive names an operation a browser driver knows how to perform.
type Primitive string

const (
	PrimitiveClick    Primitive = "click"
	PrimitiveFill     Primitive = "fill"
	PrimitiveSelect   Primitive = "select"
	PrimitiveCheck    Primitive = "check"
	PrimitiveScroll   Primitive = "scroll"
	PrimitiveNavigate Primitive = "navigate"
	PrimitiveGoBack   Primitive = "go_back"
	PrimitivePressKey Primitive = "press_key"
	PrimitiveWait     Primitive = "wait"
	PrimitiveReadPage Primitive = "read_page" // Returns the page's visible text.
)

// DriverCommand is the only shape in which the core addresses the browser.
// Target and Handle are both empty for page-level primitives.
type DriverCommand struct {
	Primitive Primitive              `json:"primitive"`
	Target    *ElementID             `json:"target,omitempty"`
	Handle    string                 `json:"-"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// DriverOutcome reports what a primitive did to the page.
type DriverOutcome struct {
	// Changed is true after navigation, a tab-set change, or a structural DOM delta.
	Changed bool   `json:"changed"`
	URL     string `json:"url,omitempty"`
	Detail  string `json:"detail,omitempty"`
	// Content carries primitive output such as page text for read_page.
	Content string `json:"content,omitempty"`
}

// Driver failures the core cannot repair. Implementations wrap these so callers
// can test with errors.Is.
var (
	ErrDriverTimeout     = errors.New("browser driver timed out")
	ErrDriverUnavailable = errors.New("browser driver unavailable")
)

// BrowserDriver is the boundary to the page. Implementations own stability
// waiting and element resolution; the core never issues raw selectors.
type BrowserDriver interface {
	// Snapshot returns the current page's candidate nodes in document order.
	Snapshot(ctx context.Context) ([]Node, error)
	// Execute performs one primitive and reports whether the page changed.
	Execute(ctx context.Context, cmd DriverCommand) (DriverOutcome, error)
	// WaitStable blocks until the page settles or the timeout elapses.
	WaitStable(ctx context.Context, timeout time.Duration) error
}

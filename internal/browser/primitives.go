// internal/browser/primitives.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

const (
	defaultWait = time.Second
	maxWait     = 30 * time.Second
)

// pageState is what change detection compares before and after a primitive.
type pageState struct {
	url       string
	pages     int
	signature string
}

func (s pageState) diff(after pageState) string {
	switch {
	case s.url != after.url:
		return "navigated to " + after.url
	case after.pages > s.pages:
		return "a new tab opened"
	case after.pages < s.pages:
		return "a tab closed"
	case s.signature != after.signature:
		return "page structure changed"
	}
	return ""
}

// Execute performs one primitive. navigate and go_back always report a
// change; read_page never does; every other primitive is judged by comparing
// URL, open tab count and structure signature around it.
func (d *Driver) Execute(ctx context.Context, cmd schemas.DriverCommand) (schemas.DriverOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd.Primitive {
	case schemas.PrimitiveReadPage:
		var text string
		if err := d.run(ctx, d.cfg.ActionTimeout, "read_page", chromedp.Evaluate(readPageScript, &text)); err != nil {
			return schemas.DriverOutcome{}, err
		}
		return schemas.DriverOutcome{Content: text}, nil

	case schemas.PrimitiveNavigate, schemas.PrimitiveGoBack:
		return d.navigate(ctx, cmd)
	}

	before, err := d.pageState(ctx)
	if err != nil {
		return schemas.DriverOutcome{}, err
	}
	if err := d.interact(ctx, cmd); err != nil {
		return schemas.DriverOutcome{}, err
	}
	if err := d.waitStable(ctx, d.cfg.StableTimeout); err != nil {
		return schemas.DriverOutcome{}, err
	}

	after, err := d.pageState(ctx)
	if err != nil {
		if isInfrastructure(err) {
			return schemas.DriverOutcome{}, err
		}
		// The page is mid-transition; something certainly happened.
		d.logger.Debug("Post-action state unreadable; assuming a change.", zap.Error(err))
		return schemas.DriverOutcome{Changed: true, Detail: "page is changing"}, nil
	}

	detail := before.diff(after)
	return schemas.DriverOutcome{Changed: detail != "", URL: after.url, Detail: detail}, nil
}

func (d *Driver) navigate(ctx context.Context, cmd schemas.DriverCommand) (schemas.DriverOutcome, error) {
	var action chromedp.Action
	op := string(cmd.Primitive)
	if cmd.Primitive == schemas.PrimitiveNavigate {
		target := stringParam(cmd.Params, "url")
		if target == "" {
			return schemas.DriverOutcome{}, errors.New("navigate requires a url")
		}
		if !strings.Contains(target, "://") && !strings.HasPrefix(target, "about:") {
			target = "https://" + target
		}
		action = chromedp.Navigate(target)
		op = "navigate to " + target
	} else {
		action = chromedp.NavigateBack()
	}

	if err := d.run(ctx, d.cfg.NavigationTimeout, op, action); err != nil {
		return schemas.DriverOutcome{}, err
	}
	if err := d.waitStable(ctx, d.cfg.StableTimeout); err != nil {
		return schemas.DriverOutcome{}, err
	}

	var url string
	if err := d.run(ctx, d.cfg.ActionTimeout, "location", chromedp.Location(&url)); err != nil {
		return schemas.DriverOutcome{}, err
	}
	d.logger.Debug("Navigation complete.", zap.String("url", url))
	return schemas.DriverOutcome{Changed: true, URL: url, Detail: "navigated to " + url}, nil
}

func (d *Driver) pageState(ctx context.Context) (pageState, error) {
	var state pageState
	if err := d.run(ctx, d.cfg.ActionTimeout, "location", chromedp.Location(&state.url)); err != nil {
		return state, err
	}

	combined, cancel := CombineContext(d.ctx, ctx)
	defer cancel()
	targets, err := chromedp.Targets(combined)
	if err != nil {
		return state, classifyError(ctx, d.ctx, combined, "list tabs", d.cfg.ActionTimeout, err)
	}
	for _, t := range targets {
		if t.Type == "page" {
			state.pages++
		}
	}

	nodes, err := d.snapshot(ctx)
	if err != nil {
		return state, err
	}
	state.signature = perception.StructureSignature(nodes)
	return state, nil
}

// interact runs the page-level part of a non-navigating primitive.
func (d *Driver) interact(ctx context.Context, cmd schemas.DriverCommand) error {
	op := string(cmd.Primitive)
	switch cmd.Primitive {
	case schemas.PrimitiveClick:
		res, err := d.element(ctx, cmd, "locate", nil)
		if err != nil {
			return err
		}
		return d.run(ctx, d.cfg.ActionTimeout, op, chromedp.MouseClickXY(res.X, res.Y))

	case schemas.PrimitiveFill:
		value := stringParam(cmd.Params, "value")
		if _, err := d.element(ctx, cmd, "clear_focus", nil); err != nil {
			return err
		}
		actions := []chromedp.Action{chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(value).Do(ctx)
		})}
		if boolParam(cmd.Params, "press_enter", false) {
			actions = append(actions, chromedp.KeyEvent(kb.Enter))
		}
		return d.run(ctx, d.cfg.ActionTimeout, op, actions...)

	case schemas.PrimitiveSelect:
		_, err := d.element(ctx, cmd, "select", stringParam(cmd.Params, "value"))
		return err

	case schemas.PrimitiveCheck:
		_, err := d.element(ctx, cmd, "check", boolParam(cmd.Params, "checked", true))
		return err

	case schemas.PrimitiveScroll:
		arg := scrollArg{Dir: 1, Px: numberParam(cmd.Params, "amount", 0)}
		if stringParam(cmd.Params, "direction") == "up" {
			arg.Dir = -1
		}
		if cmd.Handle != "" {
			_, err := d.element(ctx, cmd, "scroll", arg)
			return err
		}
		var ok bool
		return d.run(ctx, d.cfg.ActionTimeout, op, chromedp.Evaluate(windowScrollCall(arg), &ok))

	case schemas.PrimitivePressKey:
		key, err := keyFor(stringParam(cmd.Params, "key"))
		if err != nil {
			return err
		}
		if cmd.Handle != "" {
			if _, err := d.element(ctx, cmd, "focus", nil); err != nil {
				return err
			}
		}
		return d.run(ctx, d.cfg.ActionTimeout, op, chromedp.KeyEvent(key))

	case schemas.PrimitiveWait:
		wait := time.Duration(numberParam(cmd.Params, "duration_ms", 0)) * time.Millisecond
		if wait <= 0 {
			wait = defaultWait
		}
		if wait > maxWait {
			wait = maxWait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			return nil
		}
	}
	return fmt.Errorf("unsupported primitive %q", cmd.Primitive)
}

// element runs one elementScript operation on the command's handle.
func (d *Driver) element(ctx context.Context, cmd schemas.DriverCommand, op string, arg interface{}) (elementResult, error) {
	var res elementResult
	if cmd.Handle == "" {
		return res, fmt.Errorf("%s requires an element", cmd.Primitive)
	}
	if err := d.run(ctx, d.cfg.ActionTimeout, string(cmd.Primitive), chromedp.Evaluate(elementCall(cmd.Handle, op, arg), &res)); err != nil {
		return res, err
	}
	if !res.OK {
		return res, fmt.Errorf("%s: %s", cmd.Primitive, res.Error)
	}
	return res, nil
}

func isInfrastructure(err error) bool {
	return errors.Is(err, schemas.ErrDriverTimeout) || errors.Is(err, schemas.ErrDriverUnavailable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"up":         kb.ArrowUp,
	"down":       kb.ArrowDown,
	"left":       kb.ArrowLeft,
	"right":      kb.ArrowRight,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"home":       kb.Home,
	"end":        kb.End,
	"space":      " ",
}

// keyFor maps a key name such as "Enter" or "arrow_down" onto the sequence
// chromedp.KeyEvent expects. Single characters pass through.
func keyFor(name string) (string, error) {
	if name == "" {
		return "", errors.New("press_key requires a key")
	}
	if len([]rune(name)) == 1 {
		return name, nil
	}
	norm := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(name))
	if k, ok := namedKeys[norm]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unsupported key %q", name)
}

func stringParam(params map[string]interface{}, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func numberParam(params map[string]interface{}, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case interface{ Float64() (float64, error) }:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolParam(params map[string]interface{}, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

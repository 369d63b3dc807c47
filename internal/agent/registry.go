// internal/agent/registry.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/extraction"
)

// Names of the built-in actions.
const (
	ActionClick      = "click"
	ActionFill       = "fill"
	ActionSelect     = "select"
	ActionCheck      = "check"
	ActionScrollDown = "scroll_down"
	ActionScrollUp   = "scroll_up"
	ActionNavigate   = "navigate"
	ActionGoBack     = "go_back"
	ActionPressKey   = "press_key"
	ActionWait       = "wait"
	ActionExtract    = "extract"
	ActionFail       = "fail"
)

// TargetRule says whether an action addresses an element.
type TargetRule int

const (
	TargetNone TargetRule = iota
	TargetRequired
	TargetOptional
)

// TerminalRule says when an action must end a multi-action sequence.
type TerminalRule int

const (
	TerminalNever TerminalRule = iota
	TerminalAlways
	// TerminalOnLink marks the action terminal only when it targets a Link.
	TerminalOnLink
)

// ParamKind is the JSON type a parameter must have.
type ParamKind string

const (
	ParamString ParamKind = "string"
	ParamNumber ParamKind = "number"
	ParamBool   ParamKind = "boolean"
)

// ParamSpec describes one action parameter.
type ParamSpec struct {
	Name        string
	Kind        ParamKind
	Required    bool
	Description string
}

// Extractor turns page text into structured data.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (*extraction.StructuredData, error)
}

// ActionContext is what a handler receives. Node is nil for untargeted actions.
type ActionContext struct {
	Driver    schemas.BrowserDriver
	Extractor Extractor
	Action    DecidedAction
	Node      *schemas.Node
	Logger    *zap.Logger
}

// Handler performs one action against the driver.
type Handler func(ctx context.Context, ac ActionContext) (schemas.DriverOutcome, error)

// ActionSpec is one entry of the closed action vocabulary.
type ActionSpec struct {
	Name        string
	Description string
	Target      TargetRule
	// Roles restricts which element roles the action may target. Empty means any.
	Roles    []schemas.Role
	Terminal TerminalRule
	Params   []ParamSpec
	// Control actions steer the machine itself and have no handler.
	Control bool
	Handler Handler
}

// TerminalFor reports whether a is terminal under this spec.
func (s ActionSpec) TerminalFor(a DecidedAction) bool {
	switch s.Terminal {
	case TerminalAlways:
		return true
	case TerminalOnLink:
		return a.Target != nil && a.Target.Role == schemas.RoleLink
	}
	return false
}

func (s ActionSpec) allowsRole(r schemas.Role) bool {
	if len(s.Roles) == 0 {
		return true
	}
	for _, allowed := range s.Roles {
		if allowed == r {
			return true
		}
	}
	return false
}

// Registry maps action names to their specs. It is read-only once the machine
// starts and safe for concurrent reads.
type Registry struct {
	specs map[string]ActionSpec
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]ActionSpec)}
}

// Register adds an action. Names are unique.
func (r *Registry) Register(spec ActionSpec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return errors.New("action name cannot be empty")
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("action %q already registered", spec.Name)
	}
	if !spec.Control && spec.Handler == nil {
		return fmt.Errorf("action %q has no handler", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (ActionSpec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Specs returns all specs in registration order.
func (r *Registry) Specs() []ActionSpec {
	out := make([]ActionSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Names returns the registered names sorted alphabetically.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// DefaultRegistry returns the built-in vocabulary.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range builtinActions() {
		if err := r.Register(spec); err != nil {
			// Built-in names are distinct.
			panic(err)
		}
	}
	return r
}

func builtinActions() []ActionSpec {
	return []ActionSpec{
		{
			Name:        ActionClick,
			Description: "Click an element. Clicking a link (L) navigates, so it must be the last action.",
			Target:      TargetRequired,
			Terminal:    TerminalOnLink,
			Handler:     primitiveHandler(schemas.PrimitiveClick),
		},
		{
			Name:        ActionFill,
			Description: "Type text into an input.",
			Target:      TargetRequired,
			Roles:       []schemas.Role{schemas.RoleInput},
			Params: []ParamSpec{
				{Name: "value", Kind: ParamString, Required: true, Description: "text to type"},
				{Name: "press_enter", Kind: ParamBool, Description: "press Enter after typing"},
			},
			Handler: primitiveHandler(schemas.PrimitiveFill),
		},
		{
			Name:        ActionSelect,
			Description: "Choose an option of a select input by its visible text or value.",
			Target:      TargetRequired,
			Roles:       []schemas.Role{schemas.RoleInput},
			Params:      []ParamSpec{{Name: "value", Kind: ParamString, Required: true, Description: "option text or value"}},
			Handler:     primitiveHandler(schemas.PrimitiveSelect),
		},
		{
			Name:        ActionCheck,
			Description: "Set a checkbox, radio or switch.",
			Target:      TargetRequired,
			Roles:       []schemas.Role{schemas.RoleInput, schemas.RoleButton},
			Params:      []ParamSpec{{Name: "checked", Kind: ParamBool, Description: "desired state, default true"}},
			Handler:     primitiveHandler(schemas.PrimitiveCheck),
		},
		{
			Name:        ActionScrollDown,
			Description: "Scroll the page, or the given element into view, downwards.",
			Target:      TargetOptional,
			Params:      []ParamSpec{{Name: "amount", Kind: ParamNumber, Description: "pixels, default one viewport"}},
			Handler:     scrollHandler("down"),
		},
		{
			Name:        ActionScrollUp,
			Description: "Scroll the page upwards.",
			Target:      TargetOptional,
			Params:      []ParamSpec{{Name: "amount", Kind: ParamNumber, Description: "pixels, default one viewport"}},
			Handler:     scrollHandler("up"),
		},
		{
			Name:        ActionNavigate,
			Description: "Load a URL in the current tab.",
			Target:      TargetNone,
			Terminal:    TerminalAlways,
			Params:      []ParamSpec{{Name: "url", Kind: ParamString, Required: true, Description: "absolute URL"}},
			Handler:     primitiveHandler(schemas.PrimitiveNavigate),
		},
		{
			Name:        ActionGoBack,
			Description: "Go back one entry in the tab's history.",
			Target:      TargetNone,
			Terminal:    TerminalAlways,
			Handler:     primitiveHandler(schemas.PrimitiveGoBack),
		},
		{
			Name:        ActionPressKey,
			Description: "Press a key such as Enter, Escape or Tab on the focused element.",
			Target:      TargetNone,
			Params:      []ParamSpec{{Name: "key", Kind: ParamString, Required: true, Description: "key name"}},
			Handler:     primitiveHandler(schemas.PrimitivePressKey),
		},
		{
			Name:        ActionWait,
			Description: "Pause to let the page settle.",
			Target:      TargetNone,
			Params:      []ParamSpec{{Name: "duration_ms", Kind: ParamNumber, Description: "milliseconds, default 1000"}},
			Handler:     primitiveHandler(schemas.PrimitiveWait),
		},
		{
			Name:        ActionExtract,
			Description: "Extract structured data from the page text. The result appears in the history.",
			Target:      TargetNone,
			Params:      []ParamSpec{{Name: "instructions", Kind: ParamString, Required: true, Description: "what to extract, e.g. 'title, price (number)'"}},
			Handler:     extractHandler,
		},
		{
			Name:        ActionFail,
			Description: "Give up on the task when it cannot be done. Must be the last action.",
			Target:      TargetNone,
			Terminal:    TerminalAlways,
			Params:      []ParamSpec{{Name: "reason", Kind: ParamString, Required: true, Description: "why the task cannot be done"}},
			Control:     true,
		},
	}
}

// primitiveHandler forwards the action to the driver unchanged.
func primitiveHandler(p schemas.Primitive) Handler {
	return func(ctx context.Context, ac ActionContext) (schemas.DriverOutcome, error) {
		return ac.Driver.Execute(ctx, command(p, ac))
	}
}

func scrollHandler(direction string) Handler {
	return func(ctx context.Context, ac ActionContext) (schemas.DriverOutcome, error) {
		cmd := command(schemas.PrimitiveScroll, ac)
		cmd.Params["direction"] = direction
		return ac.Driver.Execute(ctx, cmd)
	}
}

func command(p schemas.Primitive, ac ActionContext) schemas.DriverCommand {
	params := make(map[string]interface{}, len(ac.Action.Params))
	for k, v := range ac.Action.Params {
		params[k] = v
	}
	cmd := schemas.DriverCommand{Primitive: p, Target: ac.Action.Target, Params: params}
	if ac.Node != nil {
		cmd.Handle = ac.Node.Handle
	}
	return cmd
}

func extractHandler(ctx context.Context, ac ActionContext) (schemas.DriverOutcome, error) {
	if ac.Extractor == nil {
		return schemas.DriverOutcome{}, newError(ErrCodeExecutionFailed, nil, "extraction is not configured")
	}
	page, err := ac.Driver.Execute(ctx, schemas.DriverCommand{Primitive: schemas.PrimitiveReadPage})
	if err != nil {
		return schemas.DriverOutcome{}, err
	}

	data, err := ac.Extractor.Extract(ctx, extraction.Request{
		Instructions: ac.Action.Param("instructions"),
		PageText:     page.Content,
	})
	if err != nil {
		if errors.Is(err, extraction.ErrUnsupportedSchemaFeature) {
			return schemas.DriverOutcome{}, newError(ErrCodeUnsupportedSchemaFeature, err, "extraction request cannot be expressed")
		}
		return schemas.DriverOutcome{}, err
	}
	if !data.Success {
		return schemas.DriverOutcome{}, newError(ErrCodeExecutionFailed, nil, "extraction failed: %s", data.Error)
	}
	return schemas.DriverOutcome{URL: page.URL, Content: string(data.Data)}, nil
}

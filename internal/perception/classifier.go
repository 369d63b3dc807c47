// internal/perception/classifier.go

// Package perception turns a driver snapshot into the role-indexed action
// space shown to the decision function.
package perception

import (
	"strconv"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Verdict is the classifier's decision for one snapshot node.
type Verdict struct {
	Role schemas.Role
	// Kept is false when the node is not interactive or must be hidden.
	Kept bool
	// Ambiguous marks a node that matched several role heuristics and was
	// settled by priority.
	Ambiguous bool
	// Reason explains a drop, for debug logging.
	Reason string
}

var (
	inputRoles = map[string]bool{
		"textbox": true, "searchbox": true, "combobox": true, "listbox": true,
		"slider": true, "spinbutton": true, "checkbox": true, "radio": true,
	}
	buttonRoles = map[string]bool{
		"button": true, "tab": true, "menuitem": true, "menuitemcheckbox": true,
		"menuitemradio": true, "switch": true,
	}
	optionRoles = map[string]bool{"option": true, "treeitem": true}
	figureRoles = map[string]bool{"img": true, "image": true, "figure": true}
	dialogRoles = map[string]bool{"dialog": true, "alertdialog": true}

	// buttonInputTypes are <input> types that behave like buttons.
	buttonInputTypes = map[string]bool{"submit": true, "button": true, "reset": true, "image": true}
)

// Classify assigns a verdict to every node. The result is parallel to nodes
// and depends on nothing but the snapshot.
func Classify(nodes []schemas.Node) []Verdict {
	verdicts := make([]Verdict, len(nodes))
	for i, n := range nodes {
		verdicts[i] = ClassifyNode(n)
	}
	return verdicts
}

// ClassifyNode classifies a single node. Its ancestor path carries enough
// context to apply the overlay exemptions.
func ClassifyNode(n schemas.Node) Verdict {
	if reason := disabledReason(n); reason != "" {
		return Verdict{Reason: reason}
	}

	candidates := candidateRoles(n)
	if len(candidates) == 0 {
		return Verdict{Reason: "not interactive"}
	}

	role := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority() < role.Priority() {
			role = c
		}
	}
	v := Verdict{Role: role, Kept: true, Ambiguous: len(candidates) > 1}

	if n.Hidden() {
		switch {
		case isOpenOverlay(n):
			// Dialogs stay addressable even while animating in or partly occluded.
		case n.Active && insideOverlay(n):
		default:
			return Verdict{Role: role, Ambiguous: v.Ambiguous, Reason: "hidden"}
		}
	}
	return v
}

// candidateRoles returns each distinct role whose heuristic the node matches.
func candidateRoles(n schemas.Node) []schemas.Role {
	tag := strings.ToLower(n.Tag)
	ariaRole := strings.ToLower(strings.TrimSpace(n.Role))
	if ariaRole == "" {
		ariaRole = strings.ToLower(strings.TrimSpace(n.Attr("role")))
	}

	seen := make(map[schemas.Role]bool, 2)
	var out []schemas.Role
	add := func(r schemas.Role) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}

	// Input
	switch {
	case tag == "input" && !buttonInputTypes[strings.ToLower(n.Attr("type"))]:
		add(schemas.RoleInput)
	case tag == "textarea", tag == "select":
		add(schemas.RoleInput)
	case isContentEditable(n):
		add(schemas.RoleInput)
	}
	if inputRoles[ariaRole] {
		add(schemas.RoleInput)
	}

	// Button
	switch {
	case tag == "button", tag == "summary":
		add(schemas.RoleButton)
	case tag == "input" && buttonInputTypes[strings.ToLower(n.Attr("type"))]:
		add(schemas.RoleButton)
	}
	if buttonRoles[ariaRole] || n.HasAttr("onclick") {
		add(schemas.RoleButton)
	}

	// Link
	if (tag == "a" && n.HasAttr("href")) || ariaRole == "link" {
		add(schemas.RoleLink)
	}

	// Option
	if tag == "option" || optionRoles[ariaRole] {
		add(schemas.RoleOption)
	}

	// Figure
	if tag == "img" || tag == "figure" || figureRoles[ariaRole] {
		add(schemas.RoleFigure)
	}

	// Misc
	if isOpenOverlay(n) {
		add(schemas.RoleMisc)
	} else if len(out) == 0 && isFocusable(n) {
		add(schemas.RoleMisc)
	}
	return out
}

func disabledReason(n schemas.Node) string {
	tag := strings.ToLower(n.Tag)
	switch {
	case tag == "html", tag == "body":
		return "structural"
	case n.HasAttr("disabled"):
		return "disabled"
	case strings.EqualFold(n.Attr("aria-disabled"), "true"):
		return "aria-disabled"
	case strings.EqualFold(n.Attr("aria-hidden"), "true") && !isOpenOverlay(n):
		return "aria-hidden"
	case tag == "input" && strings.EqualFold(n.Attr("type"), "hidden"):
		return "hidden input"
	case tag == "dialog" && !n.HasAttr("open"):
		return "closed dialog"
	}
	return ""
}

func isContentEditable(n schemas.Node) bool {
	val, ok := n.Attributes["contenteditable"]
	if !ok {
		return false
	}
	val = strings.TrimSpace(strings.ToLower(val))
	return val == "true" || val == "" || val == "plaintext-only"
}

func isFocusable(n schemas.Node) bool {
	raw, ok := n.Attributes["tabindex"]
	if !ok {
		return false
	}
	idx, err := strconv.Atoi(strings.TrimSpace(raw))
	return err == nil && idx >= 0
}

// isOpenOverlay reports whether the node is itself an open dialog or modal.
func isOpenOverlay(n schemas.Node) bool {
	tag := strings.ToLower(n.Tag)
	role := strings.ToLower(n.Role)
	if role == "" {
		role = strings.ToLower(n.Attr("role"))
	}
	if tag == "dialog" {
		return n.HasAttr("open")
	}
	if dialogRoles[role] {
		return !strings.EqualFold(n.Attr("aria-hidden"), "true")
	}
	return strings.EqualFold(n.Attr("aria-modal"), "true")
}

func insideOverlay(n schemas.Node) bool {
	for _, p := range n.Path {
		if pathEntryIsOverlay(p) {
			return true
		}
	}
	return false
}

// overlayRole names the component kind for an open overlay node.
func overlayRole(attrs map[string]string) string {
	if r := strings.ToLower(attrs["role"]); dialogRoles[r] {
		return r
	}
	return "dialog"
}

// pathEntryIsOverlay applies isOpenOverlay to an ancestor entry.
func pathEntryIsOverlay(p schemas.PathEntry) bool {
	return isOpenOverlay(schemas.Node{Tag: p.Tag, Attributes: p.Attributes})
}

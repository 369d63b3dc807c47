package schemas

import (
	"fmt"
	"strconv"
	"strings"
)

// -- Roles --

// Role is the semantic category assigned to an interactive node.
type Role string

const (
	RoleInput  Role = "input"  // Accepts text entry or a value choice.
	RoleButton Role = "button" // Triggers an in-page effect when clicked.
	RoleLink   Role = "link"   // Navigates when activated.
	RoleFigure Role = "figure" // Image-like content the agent may inspect.
	RoleOption Role = "option" // A choosable entry of a list or menu.
	RoleMisc   Role = "misc"   // Focusable or modal content that fits no other role.
)

// Roles lists every role in tie-break priority order, most action-critical first.
var Roles = []Role{RoleInput, RoleButton, RoleLink, RoleOption, RoleFigure, RoleMisc}

var roleLetters = map[Role]byte{
	RoleInput:  'I',
	RoleButton: 'B',
	RoleLink:   'L',
	RoleFigure: 'F',
	RoleOption: 'O',
	RoleMisc:   'M',
}

// Letter returns the single upper-case letter used in rendered element ids.
func (r Role) Letter() string {
	if l, ok := roleLetters[r]; ok {
		return string(l)
	}
	return "?"
}

// Priority ranks the role for tie-breaking. Lower wins.
func (r Role) Priority() int {
	for i, candidate := range Roles {
		if candidate == r {
			return i
		}
	}
	return len(Roles)
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	_, ok := roleLetters[r]
	return ok
}

// RoleFromLetter maps an id prefix back to its role.
func RoleFromLetter(letter byte) (Role, bool) {
	for role, l := range roleLetters {
		if l == letter {
			return role, true
		}
	}
	return "", false
}

// -- Element Identifiers --

// ElementID addresses one interactive node inside a single action-space snapshot.
// Ids are renumbered on every snapshot and must never be reused across them.
type ElementID struct {
	Role  Role `json:"role"`
	Index int  `json:"index"`
}

// String renders the id in its wire form, e.g. "B0".
func (id ElementID) String() string {
	return id.Role.Letter() + strconv.Itoa(id.Index)
}

// MarshalText implements encoding.TextMarshaler so ids serialize as "B0".
func (id ElementID) MarshalText() ([]byte, error) {
	if !id.Role.Valid() || id.Index < 0 {
		return nil, fmt.Errorf("invalid element id %+v", id)
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ElementID) UnmarshalText(text []byte) error {
	parsed, err := ParseElementID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseElementID parses the wire form of an id. Anything other than a role
// letter followed by a non-negative decimal index is rejected.
func ParseElementID(s string) (ElementID, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return ElementID{}, fmt.Errorf("malformed element id %q", s)
	}
	role, ok := RoleFromLetter(s[0])
	if !ok {
		return ElementID{}, fmt.Errorf("malformed element id %q: unknown role letter %q", s, s[0])
	}
	digits := s[1:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return ElementID{}, fmt.Errorf("malformed element id %q: index must be numeric", s)
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return ElementID{}, fmt.Errorf("malformed element id %q: leading zero", s)
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return ElementID{}, fmt.Errorf("malformed element id %q: %w", s, err)
	}
	return ElementID{Role: role, Index: index}, nil
}

// -- Snapshot Nodes --

// PathEntry describes one ancestor of a node, root first.
type PathEntry struct {
	// Ordinal is the ancestor's document-order position, unique per snapshot.
	Ordinal    int               `json:"ordinal"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Node is one DOM element candidate reported by a browser driver snapshot.
// Nodes are ephemeral and only meaningful for the snapshot that produced them.
type Node struct {
	Ordinal int    `json:"ordinal"`
	Tag     string `json:"tag"`
	// Role is the explicit ARIA role hint, if any.
	Role string `json:"role,omitempty"`
	// Text is the node's own visible text, excluding descendant elements.
	Text       string            `json:"text,omitempty"`
	Visible    bool              `json:"visible"`
	ZeroSize   bool              `json:"zero_size,omitempty"`
	Active     bool              `json:"active,omitempty"` // document.activeElement
	Path       []PathEntry       `json:"path,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	// Handle is an opaque driver-issued reference used to address the node
	// during execution. The core passes it back unchanged.
	Handle string `json:"handle,omitempty"`
}

// Attr returns an attribute value, or "" when absent.
func (n Node) Attr(key string) string {
	if n.Attributes == nil {
		return ""
	}
	return n.Attributes[key]
}

// HasAttr reports attribute presence regardless of value.
func (n Node) HasAttr(key string) bool {
	if n.Attributes == nil {
		return false
	}
	_, ok := n.Attributes[key]
	return ok
}

// Hidden reports whether the node would be invisible to a user.
func (n Node) Hidden() bool {
	return !n.Visible || n.ZeroSize
}

// DescendsFrom reports whether the ancestor with the given ordinal is on the node's path.
func (n Node) DescendsFrom(ordinal int) bool {
	for _, p := range n.Path {
		if p.Ordinal == ordinal {
			return true
		}
	}
	return false
}

// -- Action Space --

// Line is one rendered entry of a section. ID is nil for inert context text.
type Line struct {
	ID      *ElementID `json:"id,omitempty"`
	Ordinal int        `json:"ordinal"`
	Tag     string     `json:"tag,omitempty"`
	Text    string     `json:"text"`
	// Attributes holds the subset of attributes worth showing to the model.
	Attributes [][2]string `json:"attributes,omitempty"`
}

// Inert reports whether the line is context text without an id.
func (l Line) Inert() bool { return l.ID == nil }

// Section groups lines under a semantic label.
type Section struct {
	Label string `json:"label"`
	// Component is set to the overlay role ("dialog", "alertdialog") when the
	// section belongs to an open modal.
	Component string `json:"component,omitempty"`
	Lines     []Line `json:"lines"`
}

// ActionSpace is the perception artifact for one step.
type ActionSpace struct {
	Sections []Section          `json:"sections"`
	Elements map[ElementID]Node `json:"-"`
	Order    []ElementID        `json:"order"`
	Counts   map[Role]int       `json:"counts,omitempty"`
	Hash     string             `json:"hash"`
	Text     string             `json:"-"`
	// Ambiguous counts nodes whose role was settled by priority tie-break.
	Ambiguous int `json:"ambiguous,omitempty"`
}

// IsEmpty reports whether the snapshot yielded nothing to show.
func (a *ActionSpace) IsEmpty() bool {
	return a == nil || len(a.Sections) == 0
}

// Lookup resolves an id against this snapshot.
func (a *ActionSpace) Lookup(id ElementID) (Node, bool) {
	if a == nil || a.Elements == nil {
		return Node{}, false
	}
	n, ok := a.Elements[id]
	return n, ok
}

// Len returns the number of addressable elements.
func (a *ActionSpace) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Order)
}

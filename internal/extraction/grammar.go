// internal/extraction/grammar.go
package extraction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrNoFields is returned when instructions do not name anything to extract.
var ErrNoFields = errors.New("extraction instructions name no fields")

var (
	leadingVerb  = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:extract|get|scrape|collect|return|find|list|pull|grab|fetch)\b\s*(?:(?:me|all|the|following|fields?|of)\b\s*:?\s*)*`)
	trailingPage = regexp.MustCompile(`(?i)\s+(?:from|on|in)\s+(?:the|this)\s+(?:page|site|website|listing)\s*$`)

	// unsupportedModifiers are constraints the target models cannot express.
	unsupportedModifiers = regexp.MustCompile(`(?i)\b(optional|nullable|if\s+(?:present|available|any)|format|minimum|maximum|min|max|at\s+least|at\s+most|up\s+to|between|pattern|regex|default|unique)\b`)
	// optionalMarker catches optionality spelled on the field name itself.
	optionalMarker = regexp.MustCompile(`(?i)(\b(?:optional|nullable|if\s+(?:present|available|any))\b|\?$)`)

	enumPrefix  = regexp.MustCompile(`(?i)^(?:one\s+of|enum)\s*:?\s*`)
	listPrefix  = regexp.MustCompile(`(?i)^(?:a\s+)?(?:list|array)(?:\s+of\s+|\s*$)`)
	listSuffix  = regexp.MustCompile(`(?i)^(.+?)(?:\s+list|\[\])$`)
	typeKeyword = regexp.MustCompile(`(?i)^(.+?)\s*(?::|\bas\b)\s*(.+)$`)
)

// scalarTypes maps the words users write to schema types.
var scalarTypes = map[string]string{
	"string": TypeString, "text": TypeString, "str": TypeString, "url": TypeString, "date": TypeString,
	"number": TypeNumber, "float": TypeNumber, "decimal": TypeNumber, "double": TypeNumber, "numeric": TypeNumber, "price": TypeNumber,
	"integer": TypeInteger, "int": TypeInteger, "count": TypeInteger, "whole number": TypeInteger,
	"boolean": TypeBoolean, "bool": TypeBoolean, "flag": TypeBoolean, "yes/no": TypeBoolean, "true/false": TypeBoolean,
}

// CompileSchema turns a free-text field list into an object schema.
//
//	extract the title, price (number), tags (list of strings),
//	status (one of: open, closed), seller {name, rating (number)}
//
// Fields whose type is not stated become strings. Constraint keywords such as
// "optional" or "at least" fail with ErrUnsupportedSchemaFeature.
func CompileSchema(instructions string) (*Schema, error) {
	body := strings.TrimSpace(instructions)
	body = strings.TrimRight(body, ".")
	body = leadingVerb.ReplaceAllString(body, "")
	body = trailingPage.ReplaceAllString(body, "")
	if strings.TrimSpace(body) == "" {
		return nil, ErrNoFields
	}

	s, err := compileObject(body, "$")
	if err != nil {
		return nil, err
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

func compileObject(body, path string) (*Schema, error) {
	pieces, err := splitFields(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoFields)
	}

	obj := &Schema{Type: TypeObject, Properties: make(map[string]*Schema, len(pieces))}
	for _, piece := range pieces {
		name, field, err := compileField(piece, path)
		if err != nil {
			return nil, err
		}
		if _, dup := obj.Properties[name]; dup {
			return nil, fmt.Errorf("%s: field %q named twice", path, name)
		}
		obj.Properties[name] = field
		obj.Required = append(obj.Required, name)
		obj.PropertyOrder = append(obj.PropertyOrder, name)
	}
	return obj, nil
}

// compileField parses `name`, `name (type)`, `name: type`, `name as type`
// or `name {nested fields}`.
func compileField(piece, path string) (string, *Schema, error) {
	piece = strings.TrimSpace(piece)

	if open := strings.IndexByte(piece, '{'); open > 0 && strings.HasSuffix(piece, "}") {
		name, err := fieldName(piece[:open], path)
		if err != nil {
			return "", nil, err
		}
		nested, err := compileObject(piece[open+1:len(piece)-1], path+"."+name)
		return name, nested, err
	}

	if strings.HasSuffix(piece, ")") {
		if open := matchingOpen(piece, len(piece)-1); open > 0 {
			name, err := fieldName(piece[:open], path)
			if err != nil {
				return "", nil, err
			}
			s, err := compileType(piece[open+1:len(piece)-1], path+"."+name)
			return name, s, err
		}
	}

	if m := typeKeyword.FindStringSubmatch(piece); m != nil {
		name, err := fieldName(m[1], path)
		if err != nil {
			return "", nil, err
		}
		s, err := compileType(m[2], path+"."+name)
		return name, s, err
	}

	name, err := fieldName(piece, path)
	if err != nil {
		return "", nil, err
	}
	return name, &Schema{Type: TypeString}, nil
}

// compileType parses a type phrase.
func compileType(expr, path string) (*Schema, error) {
	expr = strings.TrimSpace(expr)
	lower := strings.ToLower(expr)

	if loc := enumPrefix.FindStringIndex(lower); loc != nil {
		return compileEnum(expr[loc[1]:], path)
	}
	if m := unsupportedModifiers.FindString(lower); m != "" {
		return nil, unsupported(strings.ToLower(m), path)
	}

	if strings.HasPrefix(expr, "{") && strings.HasSuffix(expr, "}") {
		return compileObject(expr[1:len(expr)-1], path)
	}
	if loc := listPrefix.FindStringIndex(lower); loc != nil {
		rest := strings.TrimSpace(expr[loc[1]:])
		items := &Schema{Type: TypeString}
		if rest != "" {
			var err error
			if items, err = compileType(rest, path+"[]"); err != nil {
				return nil, err
			}
		}
		return &Schema{Type: TypeArray, Items: items}, nil
	}
	if m := listSuffix.FindStringSubmatch(expr); m != nil {
		items, err := compileType(m[1], path+"[]")
		if err != nil {
			return nil, err
		}
		return &Schema{Type: TypeArray, Items: items}, nil
	}

	if alternatives := splitTopLevel(expr, isAlternative); len(alternatives) > 1 {
		return compileUnion(alternatives, path)
	}

	return &Schema{Type: scalarType(lower)}, nil
}

func compileEnum(values, path string) (*Schema, error) {
	var out []string
	seen := map[string]bool{}
	for _, v := range splitTopLevel(values, func(s string, i int) int {
		if s[i] == ',' || s[i] == '|' || s[i] == '/' {
			return 1
		}
		return isAlternative(s, i)
	}) {
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: enum lists no values", path)
	}
	return &Schema{Type: TypeString, Enum: out}, nil
}

func compileUnion(alternatives []string, path string) (*Schema, error) {
	var variants []*Schema
	seen := map[string]bool{}
	for i, alt := range alternatives {
		v, err := compileType(alt, fmt.Sprintf("%s.anyOf[%d]", path, i))
		if err != nil {
			return nil, err
		}
		key := describe(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		variants = append(variants, v)
	}
	if len(variants) == 1 {
		return variants[0], nil
	}
	return &Schema{AnyOf: variants}, nil
}

// scalarType maps a type word, plural or not, to a schema type. Anything it
// does not recognize is a string.
func scalarType(word string) string {
	word = strings.Join(strings.Fields(word), " ")
	if t, ok := scalarTypes[word]; ok {
		return t
	}
	if strings.HasSuffix(word, "s") {
		if t, ok := scalarTypes[strings.TrimSuffix(word, "s")]; ok {
			return t
		}
	}
	return TypeString
}

// fieldName normalizes a field label to snake_case.
func fieldName(raw, path string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "and "), "the ")
	if m := optionalMarker.FindString(strings.ToLower(raw)); m != "" {
		if m == "?" {
			m = "optional"
		}
		return "", unsupported(strings.ToLower(m), path)
	}

	var words []string
	for _, w := range strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		words = append(words, strings.ToLower(w))
	}
	name := strings.Trim(strings.Join(words, "_"), "_")
	if name == "" {
		return "", fmt.Errorf("%s: cannot derive a field name from %q", path, raw)
	}
	return name, nil
}

// -- Splitting --

// splitFields splits a field list on top-level commas, semicolons and "and".
func splitFields(body string) ([]string, error) {
	if err := balanced(body); err != nil {
		return nil, err
	}
	var out []string
	for _, p := range splitTopLevel(body, func(s string, i int) int {
		switch s[i] {
		case ',', ';', '\n':
			return 1
		}
		if hasWordAt(s, i, " and ") {
			return len(" and ")
		}
		return 0
	}) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// isAlternative matches the "or" between union members.
func isAlternative(s string, i int) int {
	if s[i] == '|' {
		return 1
	}
	if hasWordAt(s, i, " or ") {
		return len(" or ")
	}
	return 0
}

// splitTopLevel cuts s wherever sep reports a separator width outside of
// parentheses and braces.
func splitTopLevel(s string, sep func(s string, i int) int) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '{', '[':
			depth++
			continue
		case ')', '}', ']':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if width := sep(s, i); width > 0 {
			parts = append(parts, s[start:i])
			start = i + width
			i = start - 1
		}
	}
	return append(parts, s[start:])
}

func hasWordAt(s string, i int, word string) bool {
	return len(s)-i >= len(word) && strings.EqualFold(s[i:i+len(word)], word)
}

// matchingOpen finds the opening bracket for the closing one at index end.
func matchingOpen(s string, end int) int {
	depth := 0
	for i := end; i >= 0; i-- {
		switch s[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func balanced(s string) error {
	depth := 0
	for _, r := range s {
		switch r {
		case '(', '{', '[':
			depth++
		case ')', '}', ']':
			depth--
		}
		if depth < 0 {
			return errors.New("unbalanced brackets")
		}
	}
	if depth != 0 {
		return errors.New("unbalanced brackets")
	}
	return nil
}

// Package extraction compiles extraction requests into the restricted JSON
// schema subset that structured-output models accept, and validates what
// comes back against it.
package extraction

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ErrUnsupportedSchemaFeature is the sentinel behind every containment failure.
// It is fatal to the request that produced it.
var ErrUnsupportedSchemaFeature = errors.New("unsupported schema feature")

// UnsupportedFeatureError names the offending keyword and where it appeared.
type UnsupportedFeatureError struct {
	Feature string
	Path    string
}

func (e *UnsupportedFeatureError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %q", ErrUnsupportedSchemaFeature, e.Feature)
	}
	return fmt.Sprintf("%s: %q at %s", ErrUnsupportedSchemaFeature, e.Feature, e.Path)
}

// Is lets errors.Is match the sentinel.
func (e *UnsupportedFeatureError) Is(target error) bool {
	return target == ErrUnsupportedSchemaFeature
}

func unsupported(feature, path string) error {
	return &UnsupportedFeatureError{Feature: feature, Path: path}
}

// Type names allowed in the "type" keyword.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// allowedKeywords is the complete keyword vocabulary. It is read-only.
var allowedKeywords = map[string]bool{
	"type": true, "properties": true, "required": true, "items": true,
	"enum": true, "anyOf": true,
}

var allowedTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeInteger: true,
	TypeBoolean: true, TypeObject: true, TypeArray: true,
}

// jsonAPI sorts map keys so emitted schemas are byte-stable.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Schema is one node of the restricted schema language. Every property of an
// object is required.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []string           `json:"enum,omitempty"`
	AnyOf      []*Schema          `json:"anyOf,omitempty"`

	// PropertyOrder is the order fields were named in.
	PropertyOrder []string `json:"-"`
}

// ToMap converts the schema to the generic form LLM clients send on the wire.
func (s *Schema) ToMap() map[string]interface{} {
	if s == nil {
		return nil
	}
	out := make(map[string]interface{})
	if s.Type != "" {
		out["type"] = s.Type
	}
	if s.Type == TypeObject {
		props := make(map[string]interface{}, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.ToMap()
		}
		out["properties"] = props
		required := make([]interface{}, 0, len(s.Required))
		for _, r := range s.Required {
			required = append(required, r)
		}
		out["required"] = required
	}
	if s.Items != nil {
		out["items"] = s.Items.ToMap()
	}
	if len(s.Enum) > 0 {
		enum := make([]interface{}, 0, len(s.Enum))
		for _, e := range s.Enum {
			enum = append(enum, e)
		}
		out["enum"] = enum
	}
	if len(s.AnyOf) > 0 {
		variants := make([]interface{}, 0, len(s.AnyOf))
		for _, v := range s.AnyOf {
			variants = append(variants, v.ToMap())
		}
		out["anyOf"] = variants
	}
	return out
}

// JSON renders the schema document with sorted keys.
func (s *Schema) JSON() ([]byte, error) {
	return jsonAPI.Marshal(s.ToMap())
}

// Fields returns the object's property names in declaration order.
func (s *Schema) Fields() []string {
	if len(s.PropertyOrder) == len(s.Properties) {
		return s.PropertyOrder
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckContainment walks a generic schema document and rejects anything
// outside the supported subset: unknown keywords, unknown or multiple types,
// and properties missing from "required".
func CheckContainment(doc map[string]interface{}) error {
	return checkNode(doc, "$")
}

func checkNode(node map[string]interface{}, path string) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !allowedKeywords[k] {
			return unsupported(k, path)
		}
	}

	if raw, ok := node["type"]; ok {
		t, isString := raw.(string)
		if !isString {
			// A type list is how nullable fields are spelled.
			return unsupported("type list", path)
		}
		if !allowedTypes[t] {
			return unsupported("type "+t, path)
		}
	}

	if raw, ok := node["enum"]; ok {
		values, isList := raw.([]interface{})
		if !isList || len(values) == 0 {
			return fmt.Errorf("%s: enum must be a non-empty list", path)
		}
		for _, v := range values {
			if _, isString := v.(string); !isString {
				return unsupported("non-string enum value", path)
			}
		}
	}

	if raw, ok := node["properties"]; ok {
		props, isMap := raw.(map[string]interface{})
		if !isMap {
			return fmt.Errorf("%s: properties must be an object", path)
		}
		required := map[string]bool{}
		if rawReq, ok := node["required"]; ok {
			list, isList := rawReq.([]interface{})
			if !isList {
				return fmt.Errorf("%s: required must be a list", path)
			}
			for _, r := range list {
				name, _ := r.(string)
				if _, declared := props[name]; !declared {
					return fmt.Errorf("%s: required names undeclared property %q", path, name)
				}
				required[name] = true
			}
		}
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !required[name] {
				return unsupported("optional property "+name, path)
			}
			child, isMap := props[name].(map[string]interface{})
			if !isMap {
				return fmt.Errorf("%s.%s: property schema must be an object", path, name)
			}
			if err := checkNode(child, path+"."+name); err != nil {
				return err
			}
		}
	}

	if raw, ok := node["items"]; ok {
		child, isMap := raw.(map[string]interface{})
		if !isMap {
			return unsupported("tuple items", path)
		}
		if err := checkNode(child, path+"[]"); err != nil {
			return err
		}
	}

	if raw, ok := node["anyOf"]; ok {
		variants, isList := raw.([]interface{})
		if !isList || len(variants) == 0 {
			return fmt.Errorf("%s: anyOf must be a non-empty list", path)
		}
		for i, v := range variants {
			child, isMap := v.(map[string]interface{})
			if !isMap {
				return fmt.Errorf("%s.anyOf[%d]: variant must be an object", path, i)
			}
			if err := checkNode(child, fmt.Sprintf("%s.anyOf[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// FromMap converts a contained schema document into a Schema. Callers run
// CheckContainment first.
func FromMap(doc map[string]interface{}) *Schema {
	s := &Schema{}
	s.Type, _ = doc["type"].(string)
	if props, ok := doc["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*Schema, len(props))
		for name, raw := range props {
			child, _ := raw.(map[string]interface{})
			s.Properties[name] = FromMap(child)
		}
		if list, ok := doc["required"].([]interface{}); ok {
			for _, r := range list {
				if name, ok := r.(string); ok {
					s.Required = append(s.Required, name)
				}
			}
		}
		s.PropertyOrder = append([]string(nil), s.Required...)
	}
	if items, ok := doc["items"].(map[string]interface{}); ok {
		s.Items = FromMap(items)
	}
	if list, ok := doc["enum"].([]interface{}); ok {
		for _, v := range list {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if list, ok := doc["anyOf"].([]interface{}); ok {
		for _, v := range list {
			child, _ := v.(map[string]interface{})
			s.AnyOf = append(s.AnyOf, FromMap(child))
		}
	}
	return s
}

// Check runs containment on the schema's own wire form. Everything this
// package emits passes through it.
func (s *Schema) Check() error {
	if s == nil {
		return errors.New("schema is nil")
	}
	return CheckContainment(s.ToMap())
}

// describe renders a one-line summary of the schema for prompts.
func describe(s *Schema) string {
	if s == nil {
		return ""
	}
	switch {
	case len(s.Enum) > 0:
		return "one of " + strings.Join(s.Enum, "|")
	case len(s.AnyOf) > 0:
		parts := make([]string, 0, len(s.AnyOf))
		for _, v := range s.AnyOf {
			parts = append(parts, describe(v))
		}
		return strings.Join(parts, " or ")
	case s.Type == TypeArray:
		return "list of " + describe(s.Items)
	case s.Type == TypeObject:
		fields := s.Fields()
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			parts = append(parts, f+": "+describe(s.Properties[f]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return s.Type
}

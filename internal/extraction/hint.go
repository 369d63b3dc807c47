// internal/extraction/hint.go
package extraction

import (
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// schemaMarkers are keys that identify a hint as a schema rather than an
// example document.
var schemaMarkers = []string{"properties", "items", "anyOf", "enum", "$schema", "oneOf", "allOf"}

// CompileHint builds a schema from an explicit structure hint. The hint is
// either a JSON schema, which must already lie inside the supported subset,
// or an example document whose shape is copied field for field.
func CompileHint(hint []byte) (*Schema, error) {
	var doc interface{}
	if err := jsonAPI.Unmarshal(hint, &doc); err != nil {
		return nil, fmt.Errorf("structure hint is not valid JSON: %w", err)
	}

	if m, ok := doc.(map[string]interface{}); ok && looksLikeSchema(m) {
		if err := CheckContainment(m); err != nil {
			return nil, err
		}
		return FromMap(m), nil
	}

	iter := jsoniter.ParseBytes(jsonAPI, hint)
	s := inferExample(iter, "$")
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return nil, fmt.Errorf("structure hint: %w", iter.Error)
	}
	if s.Type != TypeObject {
		return nil, errors.New("structure hint must describe an object")
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

func looksLikeSchema(m map[string]interface{}) bool {
	if t, ok := m["type"].(string); ok && allowedTypes[t] {
		return true
	}
	for _, k := range schemaMarkers {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// inferExample reads one value from iter and returns the schema of its shape.
// Object keys are kept verbatim and in document order. Nulls and empty arrays carry no type
// information and default to string.
func inferExample(iter *jsoniter.Iterator, path string) *Schema {
	switch iter.WhatIsNext() {
	case jsoniter.ObjectValue:
		obj := &Schema{Type: TypeObject, Properties: map[string]*Schema{}}
		iter.ReadObjectCB(func(iter *jsoniter.Iterator, name string) bool {
			if strings.TrimSpace(name) == "" {
				iter.ReportError("inferExample", fmt.Sprintf("%s: example keys cannot be blank", path))
				return false
			}
			if _, dup := obj.Properties[name]; !dup {
				obj.Required = append(obj.Required, name)
				obj.PropertyOrder = append(obj.PropertyOrder, name)
			}
			obj.Properties[name] = inferExample(iter, path+"."+name)
			return iter.Error == nil
		})
		return obj
	case jsoniter.ArrayValue:
		arr := &Schema{Type: TypeArray}
		for iter.ReadArray() {
			item := inferExample(iter, path+"[]")
			if arr.Items == nil {
				arr.Items = item
			}
		}
		if arr.Items == nil {
			arr.Items = &Schema{Type: TypeString}
		}
		return arr
	case jsoniter.NumberValue:
		iter.Skip()
		return &Schema{Type: TypeNumber}
	case jsoniter.BoolValue:
		iter.Skip()
		return &Schema{Type: TypeBoolean}
	default:
		iter.Skip()
		return &Schema{Type: TypeString}
	}
}

package schema

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"unicode/utf8"
)

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldFloat   FieldType = "float"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
	FieldStrings FieldType = "strings"
	FieldObject  FieldType = "object"
)

// FieldDef describes one configuration field of a schema version.
// Zero-valued constraints are not enforced.
type FieldDef struct {
	Name      string    `yaml:"name" json:"name"`
	Type      FieldType `yaml:"type" json:"type"`
	Required  bool      `yaml:"required" json:"required,omitempty"`
	Default   any       `yaml:"default" json:"default,omitempty"`
	Values    []string  `yaml:"values" json:"values,omitempty"` // allowed values for enum / strings
	Min       *float64  `yaml:"min" json:"min,omitempty"`
	Max       *float64  `yaml:"max" json:"max,omitempty"`
	MinLength int       `yaml:"min_length" json:"minLength,omitempty"`
	MaxLength int       `yaml:"max_length" json:"maxLength,omitempty"`
	MaxItems  int       `yaml:"max_items" json:"maxItems,omitempty"`
	// Pattern applies to string values and to each element of a strings field.
	Pattern string `yaml:"pattern" json:"pattern,omitempty"`

	re *regexp.Regexp
}

func (d *FieldDef) compile() error {
	switch d.Type {
	case FieldString, FieldInteger, FieldFloat, FieldBoolean, FieldStrings, FieldObject:
	case FieldEnum:
		if len(d.Values) == 0 {
			return fmt.Errorf("field %q: enum needs values", d.Name)
		}
	default:
		return fmt.Errorf("field %q: unknown type %q", d.Name, d.Type)
	}
	if d.Pattern != "" {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return fmt.Errorf("field %q: pattern: %w", d.Name, err)
		}
		d.re = re
	}
	return nil
}

// check returns the reason val is not acceptable for d, or "" if it is.
func (d *FieldDef) check(val any) string {
	switch d.Type {
	case FieldString:
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		return d.checkString(s)
	case FieldInteger:
		n, ok := val.(float64)
		if !ok || n != math.Trunc(n) {
			return "must be an integer"
		}
		return d.checkRange(n)
	case FieldFloat:
		n, ok := val.(float64)
		if !ok {
			return "must be a number"
		}
		return d.checkRange(n)
	case FieldBoolean:
		if _, ok := val.(bool); !ok {
			return "must be a boolean"
		}
	case FieldEnum:
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		if !slices.Contains(d.Values, s) {
			return fmt.Sprintf("must be one of %v", d.Values)
		}
	case FieldStrings:
		arr, ok := val.([]any)
		if !ok {
			return "must be an array of strings"
		}
		if d.MaxItems > 0 && len(arr) > d.MaxItems {
			return fmt.Sprintf("must have at most %d items", d.MaxItems)
		}
		for _, elem := range arr {
			s, ok := elem.(string)
			if !ok {
				return "must be an array of strings"
			}
			if len(d.Values) > 0 && !slices.Contains(d.Values, s) {
				return fmt.Sprintf("element %q must be one of %v", s, d.Values)
			}
			if reason := d.checkString(s); reason != "" {
				return fmt.Sprintf("element %q %s", s, reason)
			}
		}
	case FieldObject:
		if _, ok := val.(map[string]any); !ok {
			return "must be an object"
		}
	default:
		return fmt.Sprintf("unknown field type %q", d.Type)
	}
	return ""
}

func (d *FieldDef) checkString(s string) string {
	n := utf8.RuneCountInString(s)
	if d.MinLength > 0 && n < d.MinLength {
		return fmt.Sprintf("must be at least %d characters", d.MinLength)
	}
	if d.MaxLength > 0 && n > d.MaxLength {
		return fmt.Sprintf("must be at most %d characters", d.MaxLength)
	}
	if d.re != nil && !d.re.MatchString(s) {
		return fmt.Sprintf("must match %s", d.Pattern)
	}
	return ""
}

func (d *FieldDef) checkRange(n float64) string {
	if d.Min != nil && n < *d.Min {
		return fmt.Sprintf("must be >= %v", *d.Min)
	}
	if d.Max != nil && n > *d.Max {
		return fmt.Sprintf("must be <= %v", *d.Max)
	}
	return ""
}

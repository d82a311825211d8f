package model

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind is the declared type of a field.
type Kind string

// Field kinds.
const (
	KindString    Kind = "string"
	KindText      Kind = "text"
	KindNumber    Kind = "number"
	KindBoolean   Kind = "boolean"
	KindObject    Kind = "object"
	KindArray     Kind = "array"
	KindJSON      Kind = "json"
	KindTimestamp Kind = "timestamp"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindText, KindNumber, KindBoolean, KindObject, KindArray, KindJSON, KindTimestamp:
		return true
	}
	return false
}

// Serialized reports whether values of this kind are stored as JSON text in the relational projection.
func (k Kind) Serialized() bool {
	return k == KindObject || k == KindArray || k == KindJSON
}

// TimeLayout is the fixed-width UTC layout of timestamp values, so that
// their text order matches their time order in either store.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Field describes one declared field of a model.
type Field struct {
	Kind     Kind  `yaml:"type"`
	Required bool  `yaml:"required"`
	Default  any   `yaml:"default"`
	Primary  bool  `yaml:"primary"`
	Rule     *Rule `yaml:"validation"`
}

// String-tagged rule formats.
const (
	FormatEmail       = "email"
	FormatURL         = "url"
	FormatOptionalURL = "optional_url"
	FormatDomain      = "domain"
	FormatObject      = "object"
)

// Rule is a field validation rule. In YAML it is written as a scalar format
// tag ("email"), a sequence (enumeration) or a mapping of bounds.
type Rule struct {
	Enum      []any    `yaml:"enum"`
	Format    string   `yaml:"format"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	MinLength *int     `yaml:"min_length"`
	MaxLength *int     `yaml:"max_length"`
	Pattern   string   `yaml:"pattern"`
}

// UnmarshalYAML accepts the three rule shapes.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		r.Format = node.Value
		return nil
	case yaml.SequenceNode:
		return node.Decode(&r.Enum)
	case yaml.MappingNode:
		type plain Rule
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*r = Rule(p)
		return nil
	default:
		return fmt.Errorf("model: unsupported validation rule at line %d", node.Line)
	}
}

// Enumeration builds an enum rule.
func Enumeration(values ...any) *Rule {
	return &Rule{Enum: values}
}

// Format builds a string-tagged rule.
func Format(tag string) *Rule {
	return &Rule{Format: tag}
}

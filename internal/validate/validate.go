// Package validate checks a record's field map against its model's field declarations.
package validate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/dyad/internal/model"
)

// Result is the outcome of validating one field map.
type Result struct {
	Valid  bool
	Errors []string
}

var patterns sync.Map // pattern string -> *regexp.Regexp

// Fields validates data against fields. Fields are visited in name order so
// the error list is stable. A missing required field is reported once and
// no further checks run for it.
func Fields(data map[string]any, fields map[string]model.Field) Result {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []string
	for _, name := range names {
		f := fields[name]
		value, present := data[name]
		if isEmpty(value, present) {
			if f.Required && !f.Primary {
				errs = append(errs, fmt.Sprintf("%s is required", name))
			}
			continue
		}
		if !kindMatches(f.Kind, value) {
			errs = append(errs, fmt.Sprintf("%s must be of type %s", name, f.Kind))
			continue
		}
		if f.Rule == nil {
			continue
		}
		if err := validation.Validate(normalize(f.Kind, value), rulesFor(f.Kind, f.Rule)...); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", name, err.Error()))
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func isEmpty(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func kindMatches(k model.Kind, v any) bool {
	switch k {
	case model.KindString, model.KindText, "":
		_, ok := v.(string)
		return ok
	case model.KindNumber:
		_, ok := toFloat(v)
		return ok
	case model.KindBoolean:
		_, ok := v.(bool)
		return ok
	case model.KindObject:
		_, ok := v.(map[string]any)
		return ok
	case model.KindArray:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	case model.KindJSON:
		return true
	case model.KindTimestamp:
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, t)
			return err == nil
		}
		return false
	}
	return false
}

// normalize converts numbers to float64 so enum and bound comparisons work
// regardless of whether a value came from Go code, JSON or YAML.
func normalize(k model.Kind, v any) any {
	if k == model.KindNumber {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return v
}

func rulesFor(k model.Kind, r *model.Rule) []validation.Rule {
	var rules []validation.Rule

	if len(r.Enum) > 0 {
		allowed := make([]any, len(r.Enum))
		for i, e := range r.Enum {
			allowed[i] = normalize(k, e)
		}
		rules = append(rules, validation.In(allowed...))
	}

	switch r.Format {
	case model.FormatEmail:
		rules = append(rules, is.EmailFormat)
	case model.FormatURL, model.FormatOptionalURL:
		rules = append(rules, is.URL)
	case model.FormatDomain:
		rules = append(rules, is.Domain)
	case model.FormatObject:
		rules = append(rules, validation.By(plainObject))
	}

	if r.Min != nil {
		rules = append(rules, validation.Min(*r.Min))
	}
	if r.Max != nil {
		rules = append(rules, validation.Max(*r.Max))
	}
	if r.MinLength != nil || r.MaxLength != nil {
		lo, hi := 0, 0
		if r.MinLength != nil {
			lo = *r.MinLength
		}
		if r.MaxLength != nil {
			hi = *r.MaxLength
		}
		if k == model.KindString || k == model.KindText {
			rules = append(rules, validation.RuneLength(lo, hi))
		} else {
			rules = append(rules, validation.Length(lo, hi))
		}
	}
	if r.Pattern != "" {
		if re := compile(r.Pattern); re != nil {
			rules = append(rules, validation.Match(re))
		}
	}
	return rules
}

func plainObject(v any) error {
	if _, ok := v.(map[string]any); !ok {
		return fmt.Errorf("must be an object")
	}
	return nil
}

func compile(pattern string) *regexp.Regexp {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	patterns.Store(pattern, re)
	return re
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

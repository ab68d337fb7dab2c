// Package schema validates requirement property bags against the column definitions of their table block.
package schema

import (
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"slices"
	"time"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
)

// Schema maps property id to property definition for one table block.
type Schema map[string]model.Property

// FromColumns builds a schema out of a block's columns.
func FromColumns(cols []model.Column) Schema {
	s := make(Schema, len(cols))
	for _, c := range cols {
		s[c.Property.ID] = c.Property
	}
	return s
}

// Validate checks a single value. Nil always validates (clears the cell).
func (s Schema) Validate(propertyID string, v any) error {
	p, ok := s[propertyID]
	if !ok {
		return errs.Validationf("unknown property %q", propertyID)
	}
	if v == nil {
		return nil
	}
	if err := checkValue(p, v); err != nil {
		return fmt.Errorf("property %q: %w", propertyID, err)
	}
	return nil
}

// ValidateAll checks every entry of a properties map.
func (s Schema) ValidateAll(props map[string]any) error {
	for id, v := range props {
		if err := s.Validate(id, v); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(p model.Property, v any) error {
	switch p.Type {
	case model.PropText, model.PropUser:
		if _, ok := v.(string); !ok {
			return errs.Validationf("want string, got %T", v)
		}
	case model.PropNumber:
		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return errs.Validationf("number is not finite")
			}
		default:
			return errs.Validationf("want number, got %T", v)
		}
	case model.PropCheckbox:
		if _, ok := v.(bool); !ok {
			return errs.Validationf("want bool, got %T", v)
		}
	case model.PropSelect:
		s, ok := v.(string)
		if !ok {
			return errs.Validationf("want string, got %T", v)
		}
		return checkOption(p, s)
	case model.PropMultiSelect:
		items, err := stringList(v)
		if err != nil {
			return err
		}
		for _, s := range items {
			if err := checkOption(p, s); err != nil {
				return err
			}
		}
	case model.PropDate:
		s, ok := v.(string)
		if !ok {
			return errs.Validationf("want date string, got %T", v)
		}
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return errs.Validationf("bad date %q", s)
			}
		}
	case model.PropURL:
		s, ok := v.(string)
		if !ok {
			return errs.Validationf("want url string, got %T", v)
		}
		if s == "" {
			return nil
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errs.Validationf("bad url %q", s)
		}
	case model.PropEmail:
		s, ok := v.(string)
		if !ok {
			return errs.Validationf("want email string, got %T", v)
		}
		if s == "" {
			return nil
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return errs.Validationf("bad email %q", s)
		}
	default:
		return errs.Validationf("unsupported property type %q", p.Type)
	}
	return nil
}

func checkOption(p model.Property, s string) error {
	if len(p.Options) == 0 || s == "" || slices.Contains(p.Options, s) {
		return nil
	}
	return errs.Validationf("%q is not an option", s)
}

func stringList(v any) ([]string, error) {
	switch xs := v.(type) {
	case []string:
		return xs, nil
	case []any:
		out := make([]string, 0, len(xs))
		for _, x := range xs {
			s, ok := x.(string)
			if !ok {
				return nil, errs.Validationf("want list of strings, got element %T", x)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errs.Validationf("want list, got %T", v)
}

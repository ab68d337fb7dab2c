package schema

import (
	"slices"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
)

var nativeEnums = map[string][]string{
	model.KeyStatus: {
		string(model.StatusDraft), string(model.StatusTodo), string(model.StatusInProgress),
		string(model.StatusInReview), string(model.StatusApproved), string(model.StatusRejected),
		string(model.StatusDone),
	},
	model.KeyPriority: {
		string(model.PriorityLow), string(model.PriorityMedium),
		string(model.PriorityHigh), string(model.PriorityCritical),
	},
	model.KeyLevel:  {string(model.LevelSystem), string(model.LevelComponent), string(model.LevelUnit)},
	model.KeyFormat: {string(model.FormatIncose), string(model.FormatEars), string(model.FormatOther)},
}

// IsNative reports whether key is a built-in requirement field rather than a column property.
func IsNative(key string) bool {
	switch key {
	case model.KeyName, model.KeyDescription:
		return true
	}
	_, ok := nativeEnums[key]
	return ok
}

// ValidateNative checks a built-in requirement field.
func ValidateNative(key string, v any) error {
	s, ok := v.(string)
	if !ok {
		return errs.Validationf("%s: want string, got %T", key, v)
	}
	allowed, isEnum := nativeEnums[key]
	if !isEnum {
		if !IsNative(key) {
			return errs.Validationf("unknown field %q", key)
		}
		return nil
	}
	if s == "" || slices.Contains(allowed, s) {
		return nil
	}
	return errs.Validationf("%s: %q is not allowed", key, s)
}

// ValidateRequirement checks the enums and the property bag of a requirement.
func (s Schema) ValidateRequirement(q model.Requirement) error {
	for key, v := range map[string]string{
		model.KeyStatus: string(q.Status), model.KeyPriority: string(q.Priority),
		model.KeyLevel: string(q.Level), model.KeyFormat: string(q.Format),
	} {
		if err := ValidateNative(key, v); err != nil {
			return err
		}
	}
	return s.ValidateAll(q.Properties)
}

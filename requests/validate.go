package requests

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// validateAgainstCommand runs the ordered parameter validation pipeline for
// a request whose system and command have already been resolved:
// type-coercion, bounds, choices, defaults, nullability, recursively for
// nested parameter maps.
func validateAgainstCommand(request *model.Request, command *model.Command) error {
	if request.Parameters == nil {
		request.Parameters = make(map[string]any)
	}

	// Unknown keys are rejected unless the command accepts arbitrary
	// kwargs.
	if !command.AllowAnyKwargs {
		for key := range request.Parameters {
			if command.Parameter(key) == nil {
				return errors.WrapValidation(
					fmt.Errorf("unknown parameter %q", key),
					"Processor", "validate", "check parameter keys")
			}
		}
	}

	for _, param := range command.Parameters {
		value, present := request.Parameters[param.Key]

		if !present || value == nil {
			coerced, err := resolveMissing(param, present)
			if err != nil {
				return err
			}
			if coerced != nil || (present && param.Nullable) {
				request.Parameters[param.Key] = coerced
			}
			continue
		}

		coerced, err := coerceValue(param, value)
		if err != nil {
			return err
		}
		request.Parameters[param.Key] = coerced
	}
	return nil
}

// resolveMissing handles an absent or null parameter value: optional
// parameters inherit their default, nullable parameters accept null,
// anything else is an error.
func resolveMissing(param *model.Parameter, present bool) (any, error) {
	if present && param.Nullable {
		return nil, nil
	}
	if param.Default != nil {
		return param.Default, nil
	}
	if param.Optional || param.Nullable {
		return nil, nil
	}
	return nil, errors.WrapValidation(
		fmt.Errorf("parameter %q: %w", param.Key, errors.ErrMissingParameter),
		"Processor", "validate", "resolve missing parameter")
}

// coerceValue type-checks and bounds-checks one parameter value,
// recursing into multi values and nested parameter dictionaries.
func coerceValue(param *model.Parameter, value any) (any, error) {
	if param.Multi {
		list, ok := value.([]any)
		if !ok {
			return nil, validationErr(param, "expected a list")
		}
		single := *param
		single.Multi = false
		out := make([]any, len(list))
		for i, item := range list {
			coerced, err := coerceValue(&single, item)
			if err != nil {
				return nil, err
			}
			out[i] = coerced
		}
		return out, nil
	}

	// Resolvable handles pass validation untouched; de-referencing happens
	// later in the pipeline.
	if model.IsResolvable(value) {
		return value, nil
	}

	coerced, err := coerceScalar(param, value)
	if err != nil {
		return nil, err
	}

	if err := checkBounds(param, coerced); err != nil {
		return nil, err
	}
	if err := checkChoices(param, coerced); err != nil {
		return nil, err
	}
	return coerced, nil
}

func coerceScalar(param *model.Parameter, value any) (any, error) {
	switch param.Type {
	case "", "Any", "any":
		return value, nil
	case "String", "string":
		s, ok := value.(string)
		if !ok {
			return nil, validationErr(param, "expected a string")
		}
		if param.Regex != "" {
			matched, err := regexp.MatchString(param.Regex, s)
			if err != nil || !matched {
				return nil, validationErr(param, "does not match pattern")
			}
		}
		return s, nil
	case "Integer", "integer", "int":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != float64(int64(v)) {
				return nil, validationErr(param, "expected an integer")
			}
			return int(v), nil
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, validationErr(param, "expected an integer")
			}
			return n, nil
		default:
			return nil, validationErr(param, "expected an integer")
		}
	case "Float", "float", "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, validationErr(param, "expected a number")
			}
			return f, nil
		default:
			return nil, validationErr(param, "expected a number")
		}
	case "Boolean", "boolean", "bool":
		b, ok := value.(bool)
		if !ok {
			return nil, validationErr(param, "expected a boolean")
		}
		return b, nil
	case "Dictionary", "dictionary", "object":
		m, ok := value.(map[string]any)
		if !ok {
			return nil, validationErr(param, "expected an object")
		}
		// Nested parameter schemas recurse.
		for _, nested := range param.Parameters {
			inner, present := m[nested.Key]
			if !present || inner == nil {
				coerced, err := resolveMissing(nested, present)
				if err != nil {
					return nil, err
				}
				if coerced != nil {
					m[nested.Key] = coerced
				}
				continue
			}
			coerced, err := coerceValue(nested, inner)
			if err != nil {
				return nil, err
			}
			m[nested.Key] = coerced
		}
		return m, nil
	case "DateTime", "datetime", "Date", "date":
		// Wire format is epoch milliseconds or an ISO string; both pass
		// through untouched.
		switch value.(type) {
		case float64, int, int64, string:
			return value, nil
		default:
			return nil, validationErr(param, "expected a timestamp")
		}
	case "Base64", "base64", "Bytes", "bytes":
		if _, ok := value.(string); !ok && !model.IsResolvable(value) {
			return nil, validationErr(param, "expected encoded bytes")
		}
		return value, nil
	default:
		return value, nil
	}
}

func checkBounds(param *model.Parameter, value any) error {
	var numeric float64
	switch v := value.(type) {
	case int:
		numeric = float64(v)
	case float64:
		numeric = v
	case string:
		// String bounds constrain length.
		numeric = float64(len(v))
	default:
		return nil
	}
	if param.Minimum != nil && numeric < *param.Minimum {
		return validationErr(param, fmt.Sprintf("below minimum %v", *param.Minimum))
	}
	if param.Maximum != nil && numeric > *param.Maximum {
		return validationErr(param, fmt.Sprintf("above maximum %v", *param.Maximum))
	}
	return nil
}

// checkChoices enforces static choice lists. Strict choices reject
// off-list values; typeahead (strict=false) allows free values. URL and
// command choice sources are evaluated only on client demand, never during
// request validation.
func checkChoices(param *model.Parameter, value any) error {
	c := param.Choices
	if c == nil || !c.Strict || c.Type != model.ChoicesStatic {
		return nil
	}

	allowed, ok := c.Value.([]any)
	if !ok {
		// A static map keyed by a sibling parameter cannot be checked
		// without the sibling's value; that happens at choice-evaluation
		// time.
		return nil
	}
	for _, a := range allowed {
		if a == value {
			return nil
		}
	}
	return errors.WrapValidation(
		fmt.Errorf("parameter %q value %v: %w", param.Key, value, errors.ErrChoiceViolation),
		"Processor", "validate", "check choices")
}

func validationErr(param *model.Parameter, detail string) error {
	return errors.WrapValidation(
		fmt.Errorf("parameter %q: %s", param.Key, detail),
		"Processor", "validate", "coerce parameter")
}

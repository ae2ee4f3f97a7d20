package decision

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize trims identifiers and fills caller-side defaults.
func (r *DecideRequest) Normalize() {
	r.AgentID = strings.TrimSpace(r.AgentID)
	r.RoleTemplate = strings.TrimSpace(r.RoleTemplate)
	r.Endpoint = strings.TrimSpace(r.Endpoint)
	r.Environment = strings.TrimSpace(r.Environment)
	r.Urgency = strings.TrimSpace(r.Urgency)
	if r.Urgency == "" {
		r.Urgency = DefaultUrgency
	}
}

// Validate checks the request shape. Failures wrap ErrRequestValidation.
func (r DecideRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrRequestValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrRequestValidation, strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if idx := strings.IndexByte(field, '.'); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "max":
		return fmt.Sprintf("%s must be between 1 and 5", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

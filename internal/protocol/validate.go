package protocol

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/studyhive/hive-realtime/internal/chat"
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

// Validate checks the struct tags of a decoded client event. The first
// failing field is reported as a chat validation error naming the field.
func Validate(ev ClientEvent) error {
	err := validate.Struct(ev)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required", "required_without":
			return chat.Validation("%s: %s is required", ev.EventType(), fe.Field())
		case "max":
			return chat.Validation("%s: %s exceeds limit of %s", ev.EventType(), fe.Field(), fe.Param())
		case "min":
			return chat.Validation("%s: %s needs at least %s", ev.EventType(), fe.Field(), fe.Param())
		default:
			return chat.Validation("%s: invalid %s", ev.EventType(), fe.Field())
		}
	}
	return chat.Validation("%s: invalid payload", ev.EventType())
}

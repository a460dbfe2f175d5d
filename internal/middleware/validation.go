package middleware

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKeyLen = 64
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError reports a malformed request. Fields maps JSON field names
// to the rule they broke.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string { return e.Message }

// Invalid builds a ValidationError for a single field.
func Invalid(field, rule string) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf("the %s field is invalid", field),
		Fields:  map[string]string{field: rule},
	}
}

// BindJSON decodes the request body into dst and validates its struct tags.
func BindJSON(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return &ValidationError{Message: "request body must be valid JSON"}
	}
	return Validate(dst)
}

// Validate checks dst against its validate tags.
func Validate(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Message: err.Error()}
	}
	out := &ValidationError{Message: "the given data was invalid", Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out.Fields[fe.Field()] = rule
	}
	return out
}

// IdempotencyKey returns the optional Idempotency-Key header.
func IdempotencyKey(c *fiber.Ctx) (string, error) {
	key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLen {
		return "", &ValidationError{
			Message: fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen),
			Fields:  map[string]string{"idempotency_key": fmt.Sprintf("max=%d", maxIdempotencyKeyLen)},
		}
	}
	return key, nil
}

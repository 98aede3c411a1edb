package utils

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/turtacn/sentinel/pkg/errors"
)

var defaultValidator *validator.Validate

func init() {
	defaultValidator = validator.New()
	_ = defaultValidator.RegisterValidation("ipnet", validateIPOrRange)
}

// ValidateStruct validates s against its `validate` tags. A failure becomes an
// invalid_request error naming every offending field.
func ValidateStruct(s interface{}) error {
	err := defaultValidator.Struct(s)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.ErrInvalidRequest("request failed validation").WithCause(err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := toSnakeCase(fe.Field())
		details[name] = formatValidationError(fe)
		msgs = append(msgs, name+" "+details[name])
	}
	sort.Strings(msgs)
	return errors.ErrInvalidRequest(strings.Join(msgs, "; ")).WithMetadata("fields", details)
}

// validateIPOrRange accepts an address, a CIDR prefix or a "from-to" range.
func validateIPOrRange(fl validator.FieldLevel) bool {
	v := strings.TrimSpace(fl.Field().String())
	if from, to, ok := strings.Cut(v, "-"); ok {
		_, err1 := netip.ParseAddr(strings.TrimSpace(from))
		_, err2 := netip.ParseAddr(strings.TrimSpace(to))
		return err1 == nil && err2 == nil
	}
	if strings.Contains(v, "/") {
		_, err := netip.ParsePrefix(v)
		return err == nil
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ip":
		return "must be an IP address"
	case "ipnet":
		return "must be an address, CIDR or range"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	default:
		return fmt.Sprintf("failed on the '%s' tag", fe.Tag())
	}
}

var (
	matchFirstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	matchAllCap   = regexp.MustCompile("([a-z0-9])([A-Z])")
)

// toSnakeCase converts a string from CamelCase to snake_case.
func toSnakeCase(str string) string {
	snake := matchFirstCap.ReplaceAllString(str, "${1}_${2}")
	snake = matchAllCap.ReplaceAllString(snake, "${1}_${2}")
	return strings.ToLower(snake)
}

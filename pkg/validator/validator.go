// Package validator checks configuration structs with go-playground/validator
// and reports failures as dotted snake_case field paths.
package validator

import (
	stderrors "errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Validator wraps go-playground/validator with the gateway's custom tags.
type Validator struct {
	validate *validator.Validate
}

// ValidationError is one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every failed field of one Validate call.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Field + ": " + e.Message
	}
	return strings.Join(msgs, "; ")
}

type customTag struct {
	fn      validator.Func
	message string
}

// customTags all accept the empty string; combine with "required" to reject it.
var customTags = map[string]customTag{
	"log_level":   {fn: isLogLevel, message: "must be one of: debug, info, warn, error"},
	"http_path":   {fn: isHTTPPath, message: "must be an absolute path starting with /"},
	"header_name": {fn: isHeaderName, message: "must be a valid HTTP header name"},
	"cron_spec":   {fn: isCronSpec, message: "must be a cron expression or @every duration"},
}

// New returns a Validator with the custom tags registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	for tag, ct := range customTags {
		if err := v.RegisterValidation(tag, ct.fn); err != nil {
			panic(fmt.Sprintf("register validation %q: %v", tag, err))
		}
	}
	return &Validator{validate: v}
}

// Validate returns ValidationErrors with paths below the root struct,
// e.g. "admission.api_key_header".
func (v *Validator) Validate(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationErrors, len(fieldErrs))
	for i, e := range fieldErrs {
		out[i] = ValidationError{Field: fieldPath(e.StructNamespace()), Message: message(e)}
	}
	return out
}

func isLogLevel(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// isHTTPPath accepts an absolute path without query, fragment or whitespace.
func isHTTPPath(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	return value == "" || (strings.HasPrefix(value, "/") && !strings.ContainsAny(value, "?# \t"))
}

// isHeaderName accepts an RFC 9110 token.
func isHeaderName(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}

// isCronSpec accepts what the job scheduler accepts: five-field cron
// expressions and descriptors such as "@hourly" or "@every 30s".
func isCronSpec(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	_, err := cron.ParseStandard(value)
	return err == nil
}

func message(e validator.FieldError) string {
	if ct, ok := customTags[e.Tag()]; ok {
		return ct.message
	}
	switch e.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + e.Param()
	case "max", "lte":
		return "must be at most " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "url", "http_url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + e.Param()
	case "required_if":
		return "is required when " + e.Param()
	case "required_with":
		return "is required when " + e.Param() + " is set"
	default:
		return fmt.Sprintf("failed on '%s' validation", e.Tag())
	}
}

// fieldPath turns "Config.Admission.APIKeyHeader" into "admission.api_key_header".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnakeCase(p)
	}
	return strings.Join(parts, ".")
}

// toSnakeCase keeps acronyms together: "SSLMode" becomes "ssl_mode".
func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

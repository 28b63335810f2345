package validator

import (
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Common Regex Patterns
var (
	slugRegex  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	topicRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,249}$`)
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Register Custom Validations
	_ = v.RegisterValidation("slug", validateSlug)
	_ = v.RegisterValidation("topic_name", validateTopicName)

	return &Validator{
		validate: v,
	}
}

// ValidateStruct validates a struct using tags. Producer and consumer
// pipelines run every envelope through this as their Validate stage. Payloads
// that aren't a struct (or pointer to one) — raw bytes, passthrough strings,
// tombstones — have nothing to check against and pass through untouched;
// the underlying library panics on a non-struct kind instead of erroring.
func (v *Validator) ValidateStruct(s interface{}) error {
	if !isValidatableStruct(s) {
		return nil
	}
	return v.validate.Struct(s)
}

func isValidatableStruct(s interface{}) bool {
	if s == nil {
		return false
	}
	val := reflect.ValueOf(s)
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return false
		}
		val = val.Elem()
	}
	return val.Kind() == reflect.Struct
}

// ValidateVar validates a single variable against a tag
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	return v.validate.Var(field, tag)
}

// Custom Validation Functions

func validateSlug(fl validator.FieldLevel) bool {
	return slugRegex.MatchString(fl.Field().String())
}

// validateTopicName applies Kafka's topic naming rule (alphanumerics, dots,
// underscores, hyphens, max 249 characters), the strictest of the three
// broker families and therefore a safe common denominator for an endpoint
// that might route through any of them.
func validateTopicName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return topicRegex.MatchString(name) && !DetectPathTraversal(name)
}

// DetectPathTraversal reports whether s contains a path-traversal attempt
// ("..") once normalized: backslashes folded to forward slashes and up to
// two layers of percent-encoding undone. Endpoint names and friendly names
// flow into lock-table keys and (for a file-backed broker adapter, or the
// outbox's own offset/lock naming) onto disk, so a topic name arriving from
// untrusted configuration gets the same check a request path would.
func DetectPathTraversal(s string) bool {
	decoded := s
	for i := 0; i < 2; i++ {
		unescaped, err := url.QueryUnescape(decoded)
		if err != nil || unescaped == decoded {
			break
		}
		decoded = unescaped
	}
	decoded = strings.ReplaceAll(decoded, "\\", "/")
	return strings.Contains(decoded, "..")
}

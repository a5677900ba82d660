package httpcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/storage"
)

// ErrInvalidRule is returned when a rule fails validation.
var ErrInvalidRule = cache.NewError("invalid cache rule")

// Rule decides whether and how responses for matching requests are
// cached. Rules are evaluated in registration order; the first rule
// whose pattern matches and whose Condition passes wins.
type Rule struct {
	// Name identifies the rule. Must be unique.
	Name string `validate:"required"`

	// Pattern selects URLs. Patterns containing glob metacharacters
	// ("*", "?", "[") match the whole URL as a glob; anything else
	// matches as a literal substring.
	Pattern string `validate:"required"`

	// TTL bounds how long matching responses stay cached.
	TTL time.Duration `validate:"gt=0"`

	// VaryBy lists request headers whose values partition the cache.
	// Empty means the default vary set (Accept, Accept-Encoding,
	// Authorization).
	VaryBy []string `validate:"omitempty,dive,required"`

	// Tags label stored responses for group invalidation.
	Tags []string `validate:"omitempty,dive,required"`

	// Condition, when set, must return true for the rule to apply.
	Condition func(req *Request) bool `validate:"-"`

	// SkipIf, when set, suppresses caching of a response that would
	// otherwise be stored.
	SkipIf func(resp *Response) bool `validate:"-"`

	// IgnoreIdentity shares cached responses across callers and
	// tenants. Leave false for anything personalized.
	IgnoreIdentity bool
}

var validate = validator.New()

// validateRule checks structural validity, including that a glob
// pattern compiles.
func validateRule(r *Rule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if isGlobPattern(r.Pattern) {
		if _, err := storage.GlobToRegexp(r.Pattern); err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, r.Pattern, err)
		}
	}
	return nil
}

func isGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// matchesPattern reports whether url matches the rule pattern, as a
// glob when the pattern carries metacharacters and as a literal
// substring otherwise.
func matchesPattern(pattern, url string) bool {
	if isGlobPattern(pattern) {
		return storage.GlobMatch(pattern, url)
	}
	return strings.Contains(url, pattern)
}

// applies reports whether the rule fully qualifies for the request:
// pattern match plus a passing condition.
func (r *Rule) applies(req *Request) bool {
	if !matchesPattern(r.Pattern, req.URL) {
		return false
	}
	if r.Condition != nil && !r.Condition(req) {
		return false
	}
	return true
}

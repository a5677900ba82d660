package invalidation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/credlane/lending-cache/cache"
)

// ErrInvalidRule is returned when an invalidation rule fails
// validation.
var ErrInvalidRule = cache.NewError("invalid invalidation rule")

// ErrMissingField is returned when a target template references a
// field the event payload does not carry.
var ErrMissingField = cache.NewError("template field missing from payload")

// ErrUnknownEventField is returned when a payload carries fields not
// declared in the event's registered schema.
var ErrUnknownEventField = cache.NewError("payload field not declared in event schema")

// Target is one invalidation a rule performs when triggered. Value may
// contain ${field} placeholders resolved against the event payload.
type Target struct {
	Type  Type   `json:"type" validate:"required,oneof=key pattern tag user tenant"`
	Value string `json:"value" validate:"required"`
}

// Rule declaratively maps a domain event to a set of invalidation
// targets.
type Rule struct {
	// Name identifies the rule. Must be unique.
	Name string `json:"name" validate:"required"`
	// Event is the domain event type that triggers the rule.
	Event string `json:"event" validate:"required"`
	// Targets are executed independently when the rule fires.
	Targets []Target `json:"targets" validate:"required,min=1,dive"`
	// Delay defers execution through the scheduler. Zero means
	// immediate.
	Delay time.Duration `json:"delay,omitempty" validate:"min=0"`
	// Enabled gates the rule without unregistering it.
	Enabled bool `json:"enabled"`
	// Predicate, when set, must accept the payload for the rule to
	// fire.
	Predicate func(data map[string]any) bool `json:"-" validate:"-"`
}

var (
	ruleValidate  = validator.New()
	placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// templateFields returns the placeholder names referenced by a target
// template, in order of appearance.
func templateFields(template string) []string {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	fields := make([]string, 0, len(matches))
	for _, m := range matches {
		fields = append(fields, m[1])
	}
	return fields
}

// resolveTemplate substitutes ${field} placeholders with payload
// values. A referenced field that is absent fails the whole
// resolution; a partially resolved target would delete the wrong keys.
func resolveTemplate(template string, data map[string]any) (string, error) {
	var missing string
	resolved := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		field := m[2 : len(m)-1]
		v, ok := data[field]
		if !ok {
			if missing == "" {
				missing = field
			}
			return m
		}
		return fmt.Sprint(v)
	})
	if missing != "" {
		return "", fmt.Errorf("%w: %q in template %q", ErrMissingField, missing, template)
	}
	return resolved, nil
}

// validateRule checks a rule structurally and, when a schema is known
// for its event, checks every template field against that schema.
func validateRule(rule *Rule, schema []string) error {
	if err := ruleValidate.Struct(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if schema == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(schema))
	for _, f := range schema {
		allowed[f] = struct{}{}
	}
	for _, target := range rule.Targets {
		for _, field := range templateFields(target.Value) {
			if _, ok := allowed[field]; !ok {
				return fmt.Errorf("%w: rule %q references %q, not in the %q schema",
					ErrInvalidRule, rule.Name, field, rule.Event)
			}
		}
	}
	return nil
}

// validatePayload checks an event payload against a registered schema.
// Payloads for events without a schema pass unchecked.
func validatePayload(event string, data map[string]any, schema []string) error {
	if schema == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(schema))
	for _, f := range schema {
		allowed[f] = struct{}{}
	}
	for field := range data {
		if _, ok := allowed[field]; !ok {
			return fmt.Errorf("%w: %q not declared for event %q", ErrUnknownEventField, field, event)
		}
	}
	return nil
}

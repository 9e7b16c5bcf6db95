// Package validation checks PolicyConfig payloads before they are stored as a version.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error carries field-level problems for a rejected request. Subject names what
// was rejected and defaults to the policy config.
type Error struct {
	Subject  string
	Problems []Problem
}

func (e *Error) Error() string {
	subject := e.Subject
	if subject == "" {
		subject = "policy config"
	}
	if len(e.Problems) == 0 {
		return "invalid " + subject
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Field, p.Message))
	}
	return "invalid " + subject + ": " + strings.Join(parts, "; ")
}

// Fail builds an Error with a single problem.
func Fail(subject, field, message string) *Error {
	return &Error{Subject: subject, Problems: []Problem{{Field: field, Message: message}}}
}

// Normalize trims and case-folds codes in place and drops duplicates while keeping order.
func Normalize(cfg *models.PolicyConfig) {
	cfg.AllowedCountries = normalizeList(cfg.AllowedCountries, strings.ToUpper)
	cfg.BlockedCountries = normalizeList(cfg.BlockedCountries, strings.ToUpper)
	cfg.AllowedLanguages = normalizeList(cfg.AllowedLanguages, strings.ToLower)
	cfg.BlockedLanguages = normalizeList(cfg.BlockedLanguages, strings.ToLower)
	cfg.GlobalProviders = normalizeList(cfg.GlobalProviders, strings.ToLower)
	cfg.BlockedCountryMode = models.CountryMode(strings.ToUpper(strings.TrimSpace(string(cfg.BlockedCountryMode))))
	cfg.EligibilityMode = models.EligibilityMode(strings.ToUpper(strings.TrimSpace(string(cfg.EligibilityMode))))
	for i := range cfg.BreakoutRules {
		req := &cfg.BreakoutRules[i].Requirements
		req.RequireAnyOfProviders = normalizeList(req.RequireAnyOfProviders, strings.ToLower)
		sources := make([]string, len(req.RequireAnyOfRatingsPresent))
		for j, s := range req.RequireAnyOfRatingsPresent {
			sources[j] = string(s)
		}
		sources = normalizeList(sources, strings.ToLower)
		req.RequireAnyOfRatingsPresent = req.RequireAnyOfRatingsPresent[:0]
		for _, s := range sources {
			req.RequireAnyOfRatingsPresent = append(req.RequireAnyOfRatingsPresent, models.RatingSource(s))
		}
	}
}

// PolicyConfig normalizes cfg and validates its shape. The returned error is always *Error.
func PolicyConfig(cfg *models.PolicyConfig) error {
	if cfg == nil {
		return &Error{Problems: []Problem{{Field: "config", Message: "is required"}}}
	}
	Normalize(cfg)

	var problems []Problem
	if err := instance().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return &Error{Problems: []Problem{{Field: "config", Message: err.Error()}}}
		}
		for _, fe := range fieldErrs {
			problems = append(problems, Problem{Field: fieldPath(fe.Namespace()), Message: describe(fe)})
		}
	}

	seen := make(map[string]struct{}, len(cfg.BreakoutRules))
	for i, rule := range cfg.BreakoutRules {
		field := fmt.Sprintf("breakoutRules[%d]", i)
		if _, dup := seen[rule.ID]; dup && rule.ID != "" {
			problems = append(problems, Problem{Field: field + ".id", Message: fmt.Sprintf("duplicate rule id %q", rule.ID)})
		}
		seen[rule.ID] = struct{}{}
		if rule.Requirements.IsEmpty() {
			problems = append(problems, Problem{Field: field + ".requirements", Message: "must set at least one requirement"})
		}
		for _, src := range rule.Requirements.RequireAnyOfRatingsPresent {
			if !knownRatingSource(src) {
				problems = append(problems, Problem{Field: field + ".requirements.requireAnyOfRatingsPresent", Message: fmt.Sprintf("unknown rating source %q", src)})
			}
		}
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

func knownRatingSource(src models.RatingSource) bool {
	switch src {
	case models.RatingSourceIMDB, models.RatingSourceTrakt, models.RatingSourceTMDB,
		models.RatingSourceRottenTomatoes, models.RatingSourceMetacritic:
		return true
	default:
		return false
	}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "iso3166_1_alpha2":
		return fmt.Sprintf("%v is not an ISO 3166-1 alpha-2 country code", fe.Value())
	case "bcp47_language_tag":
		return fmt.Sprintf("%v is not a BCP 47 language tag", fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func normalizeList(values []string, norm func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = norm(strings.TrimSpace(v))
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

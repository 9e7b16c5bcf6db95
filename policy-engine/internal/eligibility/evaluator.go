// Package eligibility decides whether a catalog item may be shown under a policy config.
//
// Evaluation is pure: the same item and config always yield the same verdict, and
// nothing is read or written outside the arguments. Malformed items produce an
// *EvaluationError instead of a verdict so callers can count them without aborting.
package eligibility

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

type Verdict struct {
	Eligible         bool     `json:"eligible"`
	Reasons          []string `json:"reasons,omitempty"`
	BreakoutRuleID   string   `json:"breakoutRuleId,omitempty"`
	HomepageEligible bool     `json:"homepageEligible"`
}

type EvaluationError struct {
	ItemID  string
	Field   string
	Problem string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate item %q: %s %s", e.ItemID, e.Field, e.Problem)
}

// LenientRule decides a LENIENT verdict from the number of passing gate groups
// out of the groups the config actually constrains.
type LenientRule func(passed, groups int) bool

// Majority passes when at least half of the constrained groups pass, rounded up.
func Majority(passed, groups int) bool {
	if groups == 0 {
		return true
	}
	return passed >= (groups+1)/2
}

type Option func(*Evaluator)

func WithLenientRule(rule LenientRule) Option {
	return func(e *Evaluator) {
		if rule != nil {
			e.lenient = rule
		}
	}
}

// Evaluator is a compiled PolicyConfig. It is immutable and safe for concurrent use.
type Evaluator struct {
	mode             models.EligibilityMode
	countryMode      models.CountryMode
	allowedCountries set
	blockedCountries set
	allowedLanguages set
	blockedLanguages set
	globalProviders  set
	rules            []compiledRule
	minRelevance     float64
	lenient          LenientRule
}

type compiledRule struct {
	rule      models.BreakoutRule
	providers set
	ratings   map[models.RatingSource]struct{}
}

func Compile(cfg models.PolicyConfig, opts ...Option) *Evaluator {
	e := &Evaluator{
		mode:             cfg.EligibilityMode,
		countryMode:      cfg.BlockedCountryMode,
		allowedCountries: newSet(cfg.AllowedCountries, strings.ToUpper),
		blockedCountries: newSet(cfg.BlockedCountries, strings.ToUpper),
		allowedLanguages: newSet(cfg.AllowedLanguages, strings.ToLower),
		blockedLanguages: newSet(cfg.BlockedLanguages, strings.ToLower),
		globalProviders:  newSet(cfg.GlobalProviders, strings.ToLower),
		minRelevance:     cfg.Homepage.MinRelevanceScore,
		lenient:          Majority,
	}
	rules := append([]models.BreakoutRule(nil), cfg.BreakoutRules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	for _, r := range rules {
		ratings := make(map[models.RatingSource]struct{}, len(r.Requirements.RequireAnyOfRatingsPresent))
		for _, src := range r.Requirements.RequireAnyOfRatingsPresent {
			ratings[models.RatingSource(strings.ToLower(string(src)))] = struct{}{}
		}
		e.rules = append(e.rules, compiledRule{
			rule:      r,
			providers: newSet(r.Requirements.RequireAnyOfProviders, strings.ToLower),
			ratings:   ratings,
		})
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate compiles cfg and evaluates a single item. Use Compile when evaluating many items.
func Evaluate(item models.CatalogItem, cfg models.PolicyConfig) (Verdict, error) {
	return Compile(cfg).Evaluate(item)
}

func (e *Evaluator) Evaluate(item models.CatalogItem) (Verdict, error) {
	if err := checkItem(item); err != nil {
		return Verdict{}, err
	}
	regions := newSet(item.Regions, strings.ToUpper)
	languages := newSet(item.Languages, strings.ToLower)
	providers := newSet(item.Providers, strings.ToLower)

	for _, cr := range e.rules {
		if cr.fires(item, providers) {
			return Verdict{
				Eligible:         true,
				BreakoutRuleID:   cr.rule.ID,
				HomepageEligible: item.RelevanceScore >= e.minRelevance,
			}, nil
		}
	}

	gates := []gate{
		e.geography(item.Regions, regions),
		e.language(languages),
		e.provider(providers),
	}
	var (
		reasons []string
		active  int
		passed  int
	)
	for _, g := range gates {
		if !g.active {
			continue
		}
		active++
		if g.pass() {
			passed++
			continue
		}
		reasons = append(reasons, g.reasons...)
	}

	var eligible bool
	switch e.mode {
	case models.EligibilityModeLenient:
		eligible = e.lenient(passed, active)
	case models.EligibilityModeStrict:
		eligible = passed == active
	default:
		eligible = passed == active
	}
	return Verdict{
		Eligible:         eligible,
		Reasons:          reasons,
		HomepageEligible: eligible && item.RelevanceScore >= e.minRelevance,
	}, nil
}

type gate struct {
	active  bool
	reasons []string
}

func (g gate) pass() bool { return len(g.reasons) == 0 }

func (e *Evaluator) geography(ordered []string, regions set) gate {
	g := gate{active: len(e.allowedCountries) > 0 || len(e.blockedCountries) > 0}
	if !g.active {
		return g
	}
	switch e.countryMode {
	case models.CountryModeAll:
		if len(regions) > 0 && regions.subsetOf(e.blockedCountries) {
			g.reasons = append(g.reasons, fmt.Sprintf("geography: all regions (%s) are blocked", strings.Join(regions.sorted(), ", ")))
		}
	default:
		for _, code := range orderedMembers(ordered, strings.ToUpper) {
			if e.blockedCountries.has(code) {
				g.reasons = append(g.reasons, fmt.Sprintf("geography: region %s is blocked", code))
			}
		}
	}
	if len(e.allowedCountries) > 0 && !regions.intersects(e.allowedCountries) {
		g.reasons = append(g.reasons, "geography: no region in allowed countries")
	}
	return g
}

func (e *Evaluator) language(languages set) gate {
	g := gate{active: len(e.allowedLanguages) > 0 || len(e.blockedLanguages) > 0}
	if !g.active {
		return g
	}
	for _, lang := range languages.sorted() {
		if e.blockedLanguages.has(lang) {
			g.reasons = append(g.reasons, fmt.Sprintf("language: %s is blocked", lang))
		}
	}
	if len(e.allowedLanguages) > 0 && !languages.intersects(e.allowedLanguages) {
		g.reasons = append(g.reasons, "language: no language in allowed languages")
	}
	return g
}

func (e *Evaluator) provider(providers set) gate {
	g := gate{active: len(e.globalProviders) > 0}
	if g.active && !providers.intersects(e.globalProviders) {
		g.reasons = append(g.reasons, "provider: not available on any global provider")
	}
	return g
}

// fires requires every present requirement to hold. A rule with no requirements never fires.
func (cr compiledRule) fires(item models.CatalogItem, providers set) bool {
	req := cr.rule.Requirements
	if req.IsEmpty() {
		return false
	}
	if req.MinImdbVotes != nil && (item.ImdbVotes == nil || *item.ImdbVotes < *req.MinImdbVotes) {
		return false
	}
	if req.MinTraktVotes != nil && (item.TraktVotes == nil || *item.TraktVotes < *req.MinTraktVotes) {
		return false
	}
	if req.MinQualityScoreNormalized != nil &&
		(item.QualityScoreNormalized == nil || *item.QualityScoreNormalized < *req.MinQualityScoreNormalized) {
		return false
	}
	if len(cr.providers) > 0 && !providers.intersects(cr.providers) {
		return false
	}
	if len(cr.ratings) > 0 {
		found := false
		for src := range item.Ratings {
			if _, ok := cr.ratings[models.RatingSource(strings.ToLower(string(src)))]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func checkItem(item models.CatalogItem) error {
	if item.DecodeProblem != "" {
		return &EvaluationError{ItemID: item.ID, Field: "row", Problem: item.DecodeProblem}
	}
	if strings.TrimSpace(item.ID) == "" {
		return &EvaluationError{ItemID: item.ID, Field: "id", Problem: "is empty"}
	}
	if item.ImdbVotes != nil && *item.ImdbVotes < 0 {
		return &EvaluationError{ItemID: item.ID, Field: "imdbVotes", Problem: "is negative"}
	}
	if item.TraktVotes != nil && *item.TraktVotes < 0 {
		return &EvaluationError{ItemID: item.ID, Field: "traktVotes", Problem: "is negative"}
	}
	if q := item.QualityScoreNormalized; q != nil && (math.IsNaN(*q) || *q < 0 || *q > 1) {
		return &EvaluationError{ItemID: item.ID, Field: "qualityScoreNormalized", Problem: "is outside [0,1]"}
	}
	if math.IsNaN(item.RelevanceScore) || math.IsInf(item.RelevanceScore, 0) {
		return &EvaluationError{ItemID: item.ID, Field: "relevanceScore", Problem: "is not a finite number"}
	}
	for _, code := range item.Regions {
		if strings.TrimSpace(code) == "" {
			return &EvaluationError{ItemID: item.ID, Field: "regions", Problem: "contains a blank code"}
		}
	}
	for _, lang := range item.Languages {
		if strings.TrimSpace(lang) == "" {
			return &EvaluationError{ItemID: item.ID, Field: "languages", Problem: "contains a blank tag"}
		}
	}
	return nil
}

package eligibility_test

import (
	"errors"
	"math"
	"testing"

	"github.com/reelhouse/catalog/policy-engine/internal/eligibility"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func baseConfig() models.PolicyConfig {
	return models.PolicyConfig{
		BlockedCountryMode: models.CountryModeAny,
		EligibilityMode:    models.EligibilityModeStrict,
	}
}

func TestBlockedRegionAnyModeIsIneligible(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedCountries = []string{"RU", "BY"}
	item := models.CatalogItem{ID: "m1", Regions: []string{"UA", "RU"}}

	for _, mode := range []models.EligibilityMode{models.EligibilityModeStrict, models.EligibilityModeLenient} {
		cfg.EligibilityMode = mode
		v, err := eligibility.Evaluate(item, cfg)
		require.NoError(t, err)
		assert.False(t, v.Eligible, "mode %s", mode)
		assert.Equal(t, []string{"geography: region RU is blocked"}, v.Reasons)
	}
}

func TestAllModeRequiresEveryRegionBlocked(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedCountryMode = models.CountryModeAll
	cfg.BlockedCountries = []string{"ru", "BY"}

	v, err := eligibility.Evaluate(models.CatalogItem{ID: "a", Regions: []string{"UA", "RU"}}, cfg)
	require.NoError(t, err)
	assert.True(t, v.Eligible)

	v, err = eligibility.Evaluate(models.CatalogItem{ID: "b", Regions: []string{"by", "RU"}}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
	assert.Equal(t, []string{"geography: all regions (BY, RU) are blocked"}, v.Reasons)
}

func TestZeroRegionsNeverBlockedByBlockList(t *testing.T) {
	for _, mode := range []models.CountryMode{models.CountryModeAny, models.CountryModeAll} {
		cfg := baseConfig()
		cfg.BlockedCountryMode = mode
		cfg.BlockedCountries = []string{"RU"}
		v, err := eligibility.Evaluate(models.CatalogItem{ID: "x"}, cfg)
		require.NoError(t, err)
		assert.True(t, v.Eligible, "mode %s", mode)
	}
}

func TestAllowListIsIndependentGate(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedCountries = []string{"US", "GB"}
	cfg.BlockedCountries = []string{"GB"}

	v, err := eligibility.Evaluate(models.CatalogItem{ID: "a", Regions: []string{"US"}}, cfg)
	require.NoError(t, err)
	assert.True(t, v.Eligible)

	v, err = eligibility.Evaluate(models.CatalogItem{ID: "b", Regions: []string{"GB"}}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)

	v, err = eligibility.Evaluate(models.CatalogItem{ID: "c", Regions: []string{"FR"}}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
	assert.Contains(t, v.Reasons, "geography: no region in allowed countries")
}

func TestLanguageAndProviderGates(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedLanguages = []string{"en", "es"}
	cfg.BlockedLanguages = []string{"xx"}
	cfg.GlobalProviders = []string{"netflix", "hulu"}

	ok := models.CatalogItem{ID: "ok", Languages: []string{"EN"}, Providers: []string{"Netflix"}}
	v, err := eligibility.Evaluate(ok, cfg)
	require.NoError(t, err)
	assert.True(t, v.Eligible)
	assert.Empty(t, v.Reasons)

	blocked := models.CatalogItem{ID: "bl", Languages: []string{"en", "xx"}, Providers: []string{"hulu"}}
	v, err = eligibility.Evaluate(blocked, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
	assert.Equal(t, []string{"language: xx is blocked"}, v.Reasons)

	noProvider := models.CatalogItem{ID: "np", Languages: []string{"es"}, Providers: []string{"mubi"}}
	v, err = eligibility.Evaluate(noProvider, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
	assert.Equal(t, []string{"provider: not available on any global provider"}, v.Reasons)
}

func TestBreakoutOverridesEveryGate(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedCountries = []string{"RU"}
	cfg.AllowedLanguages = []string{"en"}
	cfg.GlobalProviders = []string{"netflix"}
	cfg.BreakoutRules = []models.BreakoutRule{
		{ID: "late", Name: "late", Priority: 20, Requirements: models.BreakoutRuleRequirements{MinImdbVotes: i64(10)}},
		{ID: "blockbuster", Name: "blockbuster", Priority: 10, Requirements: models.BreakoutRuleRequirements{
			MinImdbVotes:               i64(100000),
			MinQualityScoreNormalized:  f64(0.8),
			RequireAnyOfRatingsPresent: []models.RatingSource{models.RatingSourceIMDB},
		}},
	}
	item := models.CatalogItem{
		ID:                     "hit",
		Regions:                []string{"RU"},
		Languages:              []string{"ru"},
		ImdbVotes:              i64(250000),
		QualityScoreNormalized: f64(0.91),
		Ratings:                map[models.RatingSource]float64{models.RatingSourceIMDB: 8.4},
	}

	for _, mode := range []models.CountryMode{models.CountryModeAny, models.CountryModeAll} {
		cfg.BlockedCountryMode = mode
		v, err := eligibility.Evaluate(item, cfg)
		require.NoError(t, err)
		assert.True(t, v.Eligible)
		assert.Equal(t, "blockbuster", v.BreakoutRuleID)
		assert.Empty(t, v.Reasons)
	}
}

func TestBreakoutRequiresEveryPresentField(t *testing.T) {
	cfg := baseConfig()
	cfg.GlobalProviders = []string{"netflix"}
	cfg.BreakoutRules = []models.BreakoutRule{{
		ID: "r1", Name: "r1", Priority: 1,
		Requirements: models.BreakoutRuleRequirements{
			MinTraktVotes:         i64(500),
			RequireAnyOfProviders: []string{"mubi"},
		},
	}}

	v, err := eligibility.Evaluate(models.CatalogItem{ID: "a", TraktVotes: i64(900), Providers: []string{"hulu"}}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
	assert.Empty(t, v.BreakoutRuleID)

	v, err = eligibility.Evaluate(models.CatalogItem{ID: "b", Providers: []string{"MUBI"}}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible, "missing trakt votes must not satisfy the threshold")

	v, err = eligibility.Evaluate(models.CatalogItem{ID: "c", TraktVotes: i64(500), Providers: []string{"mubi"}}, cfg)
	require.NoError(t, err)
	assert.True(t, v.Eligible)
	assert.Equal(t, "r1", v.BreakoutRuleID)
}

func TestEmptyBreakoutRuleNeverFires(t *testing.T) {
	cfg := baseConfig()
	cfg.GlobalProviders = []string{"netflix"}
	cfg.BreakoutRules = []models.BreakoutRule{{ID: "empty", Name: "empty"}}

	v, err := eligibility.Evaluate(models.CatalogItem{ID: "a"}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
}

func TestLenientMajority(t *testing.T) {
	cfg := baseConfig()
	cfg.EligibilityMode = models.EligibilityModeLenient
	cfg.BlockedCountries = []string{"RU"}
	cfg.AllowedLanguages = []string{"en"}
	cfg.GlobalProviders = []string{"netflix"}

	// geography fails, language and provider pass: 2 of 3
	v, err := eligibility.Evaluate(models.CatalogItem{ID: "a", Regions: []string{"RU"}, Languages: []string{"en"}, Providers: []string{"netflix"}}, cfg)
	require.NoError(t, err)
	assert.True(t, v.Eligible)
	assert.NotEmpty(t, v.Reasons)

	// only provider passes: 1 of 3
	v, err = eligibility.Evaluate(models.CatalogItem{ID: "b", Regions: []string{"RU"}, Languages: []string{"de"}, Providers: []string{"netflix"}}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
}

func TestMajority(t *testing.T) {
	assert.True(t, eligibility.Majority(0, 0))
	assert.True(t, eligibility.Majority(1, 2))
	assert.False(t, eligibility.Majority(1, 3))
	assert.True(t, eligibility.Majority(2, 3))
	assert.False(t, eligibility.Majority(0, 1))
}

func TestCustomLenientRule(t *testing.T) {
	cfg := baseConfig()
	cfg.EligibilityMode = models.EligibilityModeLenient
	cfg.BlockedCountries = []string{"RU"}
	cfg.GlobalProviders = []string{"netflix"}
	anyPass := func(passed, groups int) bool { return groups == 0 || passed > 0 }

	ev := eligibility.Compile(cfg, eligibility.WithLenientRule(anyPass))
	v, err := ev.Evaluate(models.CatalogItem{ID: "a", Regions: []string{"RU"}, Providers: []string{"netflix"}})
	require.NoError(t, err)
	assert.True(t, v.Eligible)
}

func TestHomepageFlagIsIndependent(t *testing.T) {
	cfg := baseConfig()
	cfg.Homepage.MinRelevanceScore = 0.5
	cfg.BlockedCountries = []string{"RU"}

	v, err := eligibility.Evaluate(models.CatalogItem{ID: "a", RelevanceScore: 0.7}, cfg)
	require.NoError(t, err)
	assert.True(t, v.Eligible)
	assert.True(t, v.HomepageEligible)

	v, err = eligibility.Evaluate(models.CatalogItem{ID: "b", RelevanceScore: 0.2}, cfg)
	require.NoError(t, err)
	assert.True(t, v.Eligible)
	assert.False(t, v.HomepageEligible)

	v, err = eligibility.Evaluate(models.CatalogItem{ID: "c", Regions: []string{"RU"}, RelevanceScore: 0.9}, cfg)
	require.NoError(t, err)
	assert.False(t, v.Eligible)
	assert.False(t, v.HomepageEligible)
}

func TestMalformedItemsReturnEvaluationError(t *testing.T) {
	cases := map[string]models.CatalogItem{
		"empty id":       {},
		"negative votes": {ID: "a", ImdbVotes: i64(-1)},
		"quality nan":    {ID: "b", QualityScoreNormalized: f64(math.NaN())},
		"quality range":  {ID: "c", QualityScoreNormalized: f64(1.5)},
		"relevance inf":  {ID: "d", RelevanceScore: math.Inf(1)},
		"blank region":   {ID: "e", Regions: []string{"US", " "}},
		"blank language": {ID: "f", Languages: []string{""}},
		"undecodable":    {ID: "g", Regions: []string{"US"}, DecodeProblem: "ratings: invalid character"},
	}
	for name, item := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := eligibility.Evaluate(item, baseConfig())
			var evalErr *eligibility.EvaluationError
			require.True(t, errors.As(err, &evalErr), "got %v", err)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedCountries = []string{"RU", "BY", "IR"}
	item := models.CatalogItem{ID: "a", Regions: []string{"IR", "BY", "RU"}}
	ev := eligibility.Compile(cfg)

	first, err := ev.Evaluate(item)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := ev.Evaluate(item)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{
		"geography: region IR is blocked",
		"geography: region BY is blocked",
		"geography: region RU is blocked",
	}, first.Reasons)
}

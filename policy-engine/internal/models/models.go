package models

import (
	"errors"
	"fmt"
	"time"
)

type CountryMode string

const (
	CountryModeAny CountryMode = "ANY"
	CountryModeAll CountryMode = "ALL"
)

type EligibilityMode string

const (
	EligibilityModeStrict  EligibilityMode = "STRICT"
	EligibilityModeLenient EligibilityMode = "LENIENT"
)

type RatingSource string

const (
	RatingSourceIMDB           RatingSource = "imdb"
	RatingSourceTrakt          RatingSource = "trakt"
	RatingSourceTMDB           RatingSource = "tmdb"
	RatingSourceRottenTomatoes RatingSource = "rotten_tomatoes"
	RatingSourceMetacritic     RatingSource = "metacritic"
)

type PolicyConfig struct {
	AllowedCountries   []string        `json:"allowedCountries" validate:"omitempty,dive,iso3166_1_alpha2"`
	BlockedCountries   []string        `json:"blockedCountries" validate:"omitempty,dive,iso3166_1_alpha2"`
	BlockedCountryMode CountryMode     `json:"blockedCountryMode" validate:"required,oneof=ANY ALL"`
	AllowedLanguages   []string        `json:"allowedLanguages" validate:"omitempty,dive,bcp47_language_tag"`
	BlockedLanguages   []string        `json:"blockedLanguages" validate:"omitempty,dive,bcp47_language_tag"`
	GlobalProviders    []string        `json:"globalProviders" validate:"omitempty,dive,required"`
	BreakoutRules      []BreakoutRule  `json:"breakoutRules" validate:"omitempty,dive"`
	EligibilityMode    EligibilityMode `json:"eligibilityMode" validate:"required,oneof=STRICT LENIENT"`
	Homepage           HomepageConfig  `json:"homepage"`
}

type HomepageConfig struct {
	MinRelevanceScore float64 `json:"minRelevanceScore" validate:"gte=0"`
}

type BreakoutRule struct {
	ID           string                   `json:"id" validate:"required"`
	Name         string                   `json:"name" validate:"required"`
	Priority     int                      `json:"priority"`
	Requirements BreakoutRuleRequirements `json:"requirements"`
}

// BreakoutRuleRequirements lists optional thresholds; a nil/empty field is not checked.
type BreakoutRuleRequirements struct {
	MinImdbVotes               *int64         `json:"minImdbVotes,omitempty" validate:"omitempty,gte=0"`
	MinTraktVotes              *int64         `json:"minTraktVotes,omitempty" validate:"omitempty,gte=0"`
	MinQualityScoreNormalized  *float64       `json:"minQualityScoreNormalized,omitempty" validate:"omitempty,gte=0,lte=1"`
	RequireAnyOfProviders      []string       `json:"requireAnyOfProviders,omitempty" validate:"omitempty,dive,required"`
	RequireAnyOfRatingsPresent []RatingSource `json:"requireAnyOfRatingsPresent,omitempty" validate:"omitempty,dive,required"`
}

// IsEmpty reports whether no requirement field is set.
func (r BreakoutRuleRequirements) IsEmpty() bool {
	return r.MinImdbVotes == nil &&
		r.MinTraktVotes == nil &&
		r.MinQualityScoreNormalized == nil &&
		len(r.RequireAnyOfProviders) == 0 &&
		len(r.RequireAnyOfRatingsPresent) == 0
}

type Policy struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LatestVersion int       `json:"latestVersion"`
	ActiveVersion *int      `json:"activeVersion,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type PolicyVersion struct {
	PolicyID  string       `json:"policyId"`
	Version   int          `json:"version"`
	Config    PolicyConfig `json:"config"`
	CreatedBy string       `json:"createdBy,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

type PolicyDetail struct {
	Policy
	Config   PolicyConfig    `json:"config"`
	Versions []PolicyVersion `json:"versions"`
}

type CatalogItem struct {
	ID                     string                   `json:"id"`
	Title                  string                   `json:"title"`
	MediaType              string                   `json:"mediaType"`
	Regions                []string                 `json:"regions"`
	Languages              []string                 `json:"languages"`
	Providers              []string                 `json:"providers"`
	ImdbVotes              *int64                   `json:"imdbVotes,omitempty"`
	TraktVotes             *int64                   `json:"traktVotes,omitempty"`
	QualityScoreNormalized *float64                 `json:"qualityScoreNormalized,omitempty"`
	Ratings                map[RatingSource]float64 `json:"ratings,omitempty"`
	RelevanceScore         float64                  `json:"relevanceScore"`

	// DecodeProblem is set by sources that could not decode the stored row.
	// Such items are evaluation errors.
	DecodeProblem string `json:"-"`
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPrepared  RunStatus = "prepared"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusPromoted  RunStatus = "promoted"
)

var ErrUnknownRunStatus = errors.New("unknown run status")

// IsTerminal reports whether the run has stopped evaluating. Prepared runs are
// terminal even though they may still move to promoted. An unknown status is
// not terminal; Validate reports it.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusPrepared, RunStatusFailed, RunStatusCancelled, RunStatusPromoted:
		return true
	default:
		return false
	}
}

func (s RunStatus) Validate() error {
	_, err := ParseRunStatus(string(s))
	return err
}

func ParseRunStatus(raw string) (RunStatus, error) {
	switch s := RunStatus(raw); s {
	case RunStatusPending, RunStatusRunning, RunStatusPrepared, RunStatusFailed, RunStatusCancelled, RunStatusPromoted:
		return s, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownRunStatus, raw)
	}
}

type BlockingReason string

const (
	BlockingReasonRunNotSuccess   BlockingReason = "RUN_NOT_SUCCESS"
	BlockingReasonCoverageNotMet  BlockingReason = "COVERAGE_NOT_MET"
	BlockingReasonErrorsExceeded  BlockingReason = "ERRORS_EXCEEDED"
	BlockingReasonAlreadyPromoted BlockingReason = "ALREADY_PROMOTED"
)

func (r BlockingReason) Message() string {
	switch r {
	case BlockingReasonRunNotSuccess:
		return "run has not completed successfully"
	case BlockingReasonCoverageNotMet:
		return "catalog coverage is below the required threshold"
	case BlockingReasonErrorsExceeded:
		return "item evaluation errors exceed the allowed maximum"
	case BlockingReasonAlreadyPromoted:
		return "target policy version is already active"
	default:
		return string(r)
	}
}

// ProgressStats is always read as a whole; Processed == Eligible+Ineligible+Errors.
type ProgressStats struct {
	Processed  int64 `json:"processed"`
	Total      int64 `json:"total"`
	Eligible   int64 `json:"eligible"`
	Ineligible int64 `json:"ineligible"`
	Pending    int64 `json:"pending"`
	Errors     int64 `json:"errors"`
}

// Coverage returns processed/total; an empty catalog counts as fully covered.
func (p ProgressStats) Coverage() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Processed) / float64(p.Total)
}

type EvaluationRun struct {
	ID                  string           `json:"id"`
	TargetPolicyID      string           `json:"targetPolicyId"`
	TargetPolicyVersion int              `json:"targetPolicyVersion"`
	BaseActiveVersion   *int             `json:"baseActiveVersion,omitempty"`
	Status              RunStatus        `json:"status"`
	Progress            ProgressStats    `json:"progress"`
	BatchSize           int              `json:"batchSize"`
	Concurrency         int              `json:"concurrency"`
	FailureReason       string           `json:"failureReason,omitempty"`
	ArchiveKey          string           `json:"archiveKey,omitempty"`
	CancelRequested     bool             `json:"cancelRequested,omitempty"`
	BlockingReasons     []BlockingReason `json:"blockingReasons"`
	StartedAt           time.Time        `json:"startedAt"`
	FinishedAt          *time.Time       `json:"finishedAt,omitempty"`
	PromotedAt          *time.Time       `json:"promotedAt,omitempty"`
}

type DiffReport struct {
	RunID             string   `json:"runId"`
	Regressions       []string `json:"regressions"`
	RegressionsCount  int      `json:"regressionsCount"`
	Improvements      []string `json:"improvements"`
	ImprovementsCount int      `json:"improvementsCount"`
	SampleSize        int      `json:"sampleSize"`
}

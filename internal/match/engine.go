// Package match implements exact and probabilistic citizen-record matching
// with a deterministic weighted score.
package match

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"setu/internal/exchange/models"
	"setu/internal/provider/citizens"
	"setu/pkg/platform/sentinel"
)

// AcceptanceThreshold is the score above which a probabilistic candidate is
// trusted enough to evaluate criteria against. Scores at or below it are still
// emitted, with empty criteria results, so rejected candidates remain
// auditable.
const AcceptanceThreshold = 0.8

// probabilisticCap keeps 1.0 reserved for exact-identifier matches.
const probabilisticCap = 0.99

// Scoring weights: name dominates, then age, then gender.
const (
	nameWeight   = 0.5
	ageWeight    = 0.3
	genderWeight = 0.2
)

// Engine resolves citizen queries against the directory.
type Engine struct {
	store citizens.Store
}

func NewEngine(store citizens.Store) *Engine {
	return &Engine{store: store}
}

// Verify resolves one citizen query to a wire result. An identifier forces the
// exact path; otherwise the demographic fields drive probabilistic matching.
func (e *Engine) Verify(ctx context.Context, query models.CitizenQuery, criteria []models.Criterion) (models.VerifyResult, error) {
	if query.Identifier != "" {
		return e.verifyExact(ctx, query, criteria)
	}
	return e.verifyProbabilistic(ctx, query, criteria)
}

func (e *Engine) verifyExact(ctx context.Context, query models.CitizenQuery, criteria []models.Criterion) (models.VerifyResult, error) {
	record, err := e.store.FindByIdentifier(ctx, query.Identifier)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.VerifyResult{
			Identifier:      query.Identifier,
			CriteriaResults: []models.CriterionResult{},
			MatchScore:      0.0,
		}, nil
	}
	if err != nil {
		return models.VerifyResult{}, fmt.Errorf("exact lookup: %w", err)
	}
	return models.VerifyResult{
		Identifier:      query.Identifier,
		CriteriaResults: EvaluateCriteria(record, criteria),
		MatchScore:      1.0,
	}, nil
}

func (e *Engine) verifyProbabilistic(ctx context.Context, query models.CitizenQuery, criteria []models.Criterion) (models.VerifyResult, error) {
	result := models.VerifyResult{
		Name:            query.Name,
		Age:             query.Age,
		Gender:          query.Gender,
		Caste:           query.Caste,
		Location:        query.Location,
		CriteriaResults: []models.CriterionResult{},
	}

	probe := citizens.Probe{
		Name:     query.Name,
		Age:      query.Age,
		Gender:   query.Gender,
		Caste:    query.Caste,
		Location: query.Location,
	}
	if probe.IsEmpty() {
		return result, nil
	}

	candidate, err := e.store.FindCandidate(ctx, probe)
	if errors.Is(err, sentinel.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return models.VerifyResult{}, fmt.Errorf("candidate lookup: %w", err)
	}

	score := Score(query, candidate)
	if score > AcceptanceThreshold {
		result.CriteriaResults = EvaluateCriteria(candidate, criteria)
		result.MatchScore = min(probabilisticCap, score)
		return result, nil
	}
	result.MatchScore = score
	return result, nil
}

// Score computes the weighted confidence that the query and candidate are the
// same person. Only fields present in the query contribute.
func Score(query models.CitizenQuery, candidate *citizens.Citizen) float64 {
	score := 0.0
	if query.Name != "" && candidate.Name != "" {
		score += nameWeight * stringSimilarity(query.Name, candidate.Name)
	}
	if query.Age != 0 && candidate.Age != 0 {
		score += ageWeight * ageSimilarity(query.Age, candidate.Age)
	}
	if query.Gender != "" && candidate.Gender != "" && strings.EqualFold(query.Gender, candidate.Gender) {
		score += genderWeight
	}
	return score
}

// stringSimilarity is a positional-mismatch distance normalized to [0,1]:
// 1 - (mismatched positions + length difference) / max length, floored at 0.
// Case-insensitive.
func stringSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1.0
	}

	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	distance := 0
	for i := 0; i < shorter; i++ {
		if a[i] != b[i] {
			distance++
		}
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	distance += longer - shorter

	similarity := 1.0 - float64(distance)/float64(longer)
	if similarity < 0 {
		return 0.0
	}
	return similarity
}

// ageSimilarity decays linearly, reaching 0 at a 10-year difference.
func ageSimilarity(a, b int) float64 {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	similarity := 1.0 - float64(diff)/10.0
	if similarity < 0 {
		return 0.0
	}
	return similarity
}

package match

import (
	"setu/internal/exchange/models"
	"setu/internal/provider/citizens"
)

// EvaluateCriteria checks every criterion against a matched record. Criteria
// naming fields the record does not carry are dropped from the results rather
// than reported as no-match.
func EvaluateCriteria(c *citizens.Citizen, criteria []models.Criterion) []models.CriterionResult {
	results := make([]models.CriterionResult, 0, len(criteria))
	for _, criterion := range criteria {
		value, ok := c.Field(criterion.Field)
		if !ok {
			continue
		}
		results = append(results, models.CriterionResult{
			Field: criterion.Field,
			Match: models.CompareValues(value, criterion.Operator, criterion.Value),
		})
	}
	return results
}

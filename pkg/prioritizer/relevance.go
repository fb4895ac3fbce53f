package prioritizer

import (
	"fmt"
	"math"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/records"
)

// DefaultRelevanceExpression weighs distance and freshness equally and
// type importance half as much.
const DefaultRelevanceExpression = "0.4 * distance_score + 0.4 * freshness_score + 0.2 * type_score"

// DefaultEssentialCommodities get the higher type score.
var DefaultEssentialCommodities = []string{"wheat", "rice", "onion", "potato", "tomato"}

const (
	essentialTypeScore = 10
	otherTypeScore     = 5
)

// Scorer computes the relevance of one candidate record. The expression can
// use distance_score, freshness_score, type_score, distance_km and
// age_hours.
type Scorer struct {
	expr      *govaluate.EvaluableExpression
	essential map[string]struct{}
}

func NewScorer(expression string, essential []string) (*Scorer, error) {
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: relevance expression: %v", model.ErrInvalidArgument, err)
	}
	s := &Scorer{expr: expr, essential: make(map[string]struct{}, len(essential))}
	for _, c := range essential {
		s.essential[records.Normalize(c)] = struct{}{}
	}
	// Reject expressions that do not evaluate to a number.
	if _, err := s.eval(0, true, 0, nil); err != nil {
		return nil, fmt.Errorf("%w: relevance expression: %v", model.ErrInvalidArgument, err)
	}
	return s, nil
}

// Score returns the relevance of a record located distanceKM away (ignored
// if !located) whose content is age old. Unlocated records get no distance
// score.
func (s *Scorer) Score(distanceKM float64, located bool, age time.Duration, commodities []string) (float64, error) {
	return s.eval(distanceKM, located, age, commodities)
}

func (s *Scorer) eval(distanceKM float64, located bool, age time.Duration, commodities []string) (float64, error) {
	distanceScore := 0.0
	if located {
		distanceScore = math.Max(0, 100-distanceKM)
	}
	ageHours := age.Hours()
	freshnessScore := math.Max(0, 24-ageHours)

	v, err := s.expr.Evaluate(map[string]interface{}{
		"distance_score":  distanceScore,
		"freshness_score": freshnessScore,
		"type_score":      float64(s.typeScore(commodities)),
		"distance_km":     distanceKM,
		"age_hours":       ageHours,
	})
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("expression returned %T, not a number", v)
	}
	return f, nil
}

func (s *Scorer) typeScore(commodities []string) int {
	for _, c := range commodities {
		if s.IsEssential(c) {
			return essentialTypeScore
		}
	}
	return otherTypeScore
}

// IsEssential reports whether commodity is on the allow-list.
func (s *Scorer) IsEssential(commodity string) bool {
	_, ok := s.essential[records.Normalize(commodity)]
	return ok
}

package review

import (
	"math"

	"github.com/lexical-app/retention/internal/fsrs"
)

const millisPerDay = 24 * 60 * 60 * 1000

// EasyVelocity computes an exponentially-weighted moving average of
// Easy-grade frequency over the item's explicit review history, evaluated at
// asOfMillis. Each review contributes 1 when graded Easy and 0 otherwise,
// discounted by 2^(-age/halfLifeDays). Rank-promotion and engagement
// consumers read this signal; it never feeds back into scheduler state.
func EasyVelocity(events []ReviewEvent, asOfMillis int64, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 || len(events) == 0 {
		return 0
	}

	ordered := make([]ReviewEvent, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	weightSum := 0.0
	easySum := 0.0
	seen := make(map[string]struct{}, len(ordered))
	for _, event := range ordered {
		if _, ok := seen[event.EventID]; ok {
			continue
		}
		seen[event.EventID] = struct{}{}
		if event.ExposureValue() != fsrs.Explicit {
			continue
		}
		ageDays := float64(asOfMillis-event.ReviewedAtMillis) / millisPerDay
		if ageDays < 0 {
			ageDays = 0
		}
		weight := math.Exp2(-ageDays / halfLifeDays)
		weightSum += weight
		if event.GradeValue() == fsrs.Easy {
			easySum += weight
		}
	}

	if weightSum == 0 {
		return 0
	}
	return easySum / weightSum
}

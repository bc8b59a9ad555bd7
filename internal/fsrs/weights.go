package fsrs

import "fmt"

// DefaultWeights are the FSRS v4.5 default parameter values from the
// fsrs4anki reference optimizer.
var DefaultWeights = [17]float64{
	0.4872, 1.4003, 3.7145, 13.8206, // w[0..3]  initial stability S₀(G)
	5.1618, 1.2298, 0.8975, 0.031, // w[4..7]  difficulty params
	1.6474, 0.1367, 1.0461, // w[8..10] recall stability params
	2.1072, 0.0793, 0.3246, 1.587, // w[11..14] forget stability params
	0.2272, 2.8755, // w[15..16] hard penalty, easy bonus
}

// LowerBounds defines the minimum allowed value for each weight.
var LowerBounds = [17]float64{
	0.01, 0.01, 0.01, 0.01,
	1.0, 0.1, 0.1, 0.0,
	0.0, 0.0, 0.01,
	0.1, 0.01, 0.01, 0.01,
	0.0, 1.0,
}

// UpperBounds defines the maximum allowed value for each weight.
var UpperBounds = [17]float64{
	100.0, 100.0, 100.0, 100.0,
	10.0, 5.0, 5.0, 0.75,
	4.5, 0.8, 3.5,
	5.0, 0.25, 0.9, 4.0,
	1.0, 6.0,
}

// ValidateWeights checks that all 17 weights are within [LowerBounds, UpperBounds].
func ValidateWeights(w [17]float64) error {
	for i := 0; i < 17; i++ {
		if w[i] < LowerBounds[i] || w[i] > UpperBounds[i] {
			return fmt.Errorf("%w: w[%d] = %f, bounds [%f, %f]",
				ErrInvalidWeights, i, w[i], LowerBounds[i], UpperBounds[i])
		}
	}
	return nil
}

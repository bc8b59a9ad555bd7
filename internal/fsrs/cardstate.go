package fsrs

import (
	"encoding"
	"encoding/json"
	"fmt"
)

// CardState represents the learning stage of an item.
type CardState int

const (
	StateNew        CardState = iota + 1 // Never reviewed.
	StateLearning                        // In initial learning.
	StateReview                          // Entered long-term review cycle.
	StateRelearning                      // Forgotten, relearning.
)

var (
	cardStateNames = [...]string{
		StateNew:        "New",
		StateLearning:   "Learning",
		StateReview:     "Review",
		StateRelearning: "Relearning",
	}
	cardStateByName = map[string]CardState{
		"New":        StateNew,
		"Learning":   StateLearning,
		"Review":     StateReview,
		"Relearning": StateRelearning,
	}
)

// Compile-time interface checks.
var (
	_ fmt.Stringer             = CardState(0)
	_ json.Marshaler           = CardState(0)
	_ json.Unmarshaler         = (*CardState)(nil)
	_ encoding.TextMarshaler   = CardState(0)
	_ encoding.TextUnmarshaler = (*CardState)(nil)
)

// IsValid reports whether s is a valid card state.
func (s CardState) IsValid() bool {
	return s >= StateNew && s <= StateRelearning
}

// String returns the name of the state. For invalid values it returns
// "CardState(n)".
func (s CardState) String() string {
	if s.IsValid() {
		return cardStateNames[s]
	}
	return fmt.Sprintf("CardState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s CardState) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCardState, int(s))
	}
	return []byte(cardStateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CardState) UnmarshalText(text []byte) error {
	v, ok := cardStateByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCardState, text)
	}
	*s = v
	return nil
}

// MarshalJSON implements json.Marshaler. CardState serializes as a JSON string.
func (s CardState) MarshalJSON() ([]byte, error) {
	text, err := s.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

// UnmarshalJSON implements json.Unmarshaler. Expects a JSON string.
func (s *CardState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCardState, data)
	}
	return s.UnmarshalText([]byte(str))
}

// Exposure distinguishes active flashcard grading from low-weight passive
// exposure, such as meeting the word while reading.
type Exposure int

const (
	Explicit Exposure = iota + 1 // Deliberate flashcard grading.
	Implicit                     // Passive encounter; nudges stability only.
)

var (
	exposureNames  = [...]string{Explicit: "Explicit", Implicit: "Implicit"}
	exposureByName = map[string]Exposure{
		"Explicit": Explicit,
		"Implicit": Implicit,
	}
)

// IsValid reports whether e is a valid exposure kind.
func (e Exposure) IsValid() bool {
	return e == Explicit || e == Implicit
}

// String returns the name of the exposure kind.
func (e Exposure) String() string {
	if e.IsValid() {
		return exposureNames[e]
	}
	return fmt.Sprintf("Exposure(%d)", int(e))
}

// MarshalText implements encoding.TextMarshaler.
func (e Exposure) MarshalText() ([]byte, error) {
	if !e.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidExposure, int(e))
	}
	return []byte(exposureNames[e]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Exposure) UnmarshalText(text []byte) error {
	v, ok := exposureByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidExposure, text)
	}
	*e = v
	return nil
}

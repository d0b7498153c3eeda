package misc

import (
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer | constraints.Float
}

// ExponentialNumber doubles on every Next call, clamped to the provided
// bounds. The zero value starts a fresh sequence.
type ExponentialNumber[T Number] struct {
	value T
}

// Next returns the doubled value, keeping it within [min, max].
func (expo *ExponentialNumber[T]) Next(min, max T) T {
	expo.value *= 2
	if expo.value > max {
		expo.value = max
	}
	if expo.value < min {
		expo.value = min
	}
	return expo.value
}

// Reset starts the sequence over.
func (expo *ExponentialNumber[T]) Reset() {
	expo.value = 0
}

package model

import (
	"fmt"
	"math"
)

// Cents is an amount in minor currency units.
type Cents int64

// FromMajor converts a decimal amount in major units, rounding half away from zero.
func FromMajor(major float64) Cents {
	return Cents(math.Round(major * 100))
}

// Major returns the amount in major units.
func (c Cents) Major() float64 { return float64(c) / 100 }

// String formats as "25.00".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

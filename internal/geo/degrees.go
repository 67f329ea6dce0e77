// Package geo holds the fixed-point coordinate type used for shake sessions
// and the distance math the proximity matcher runs on it.
//
// Coordinates are stored as integer multiples of 1e-7 degrees (the E7
// representation), which keeps about 1 cm of precision while making equality
// and ordering exact across repeated comparisons.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale is the number of Degrees units in one degree.
const Scale = 10_000_000

const fractionDigits = 7

var (
	// ErrSyntax is returned when a coordinate string is not a plain decimal number.
	ErrSyntax = errors.New("geo: invalid decimal coordinate")

	// ErrOutOfRange is returned when a latitude or longitude is outside its valid range.
	ErrOutOfRange = errors.New("geo: coordinate out of range")
)

// Degrees is a latitude or longitude in units of 1e-7 degrees.
type Degrees int64

// ParseDegrees parses a decimal string such as "44.4268" or "-26.10250001"
// without going through float64. Digits beyond the seventh decimal place are
// rounded half away from zero.
func ParseDegrees(s string) (Degrees, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrSyntax
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, ErrSyntax
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return 0, ErrSyntax
	}
	// Anything wider than three integer digits is out of range for both axes
	// and would risk overflow below.
	if len(strings.TrimLeft(intPart, "0")) > 3 {
		return 0, ErrOutOfRange
	}

	var whole int64
	if intPart != "" {
		v, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, ErrSyntax
		}
		whole = v
	}

	roundUp := false
	if len(fracPart) > fractionDigits {
		roundUp = fracPart[fractionDigits] >= '5'
		fracPart = fracPart[:fractionDigits]
	}
	fracPart += strings.Repeat("0", fractionDigits-len(fracPart))
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, ErrSyntax
	}

	v := whole*Scale + frac
	if roundUp {
		v++
	}
	if neg {
		v = -v
	}
	return Degrees(v), nil
}

// FromFloat converts a float64 degree value, rounding to the nearest unit.
func FromFloat(f float64) (Degrees, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrSyntax
	}
	if math.Abs(f) > 1000 {
		return 0, ErrOutOfRange
	}
	return Degrees(math.Round(f * Scale)), nil
}

// Float returns the value in degrees.
func (d Degrees) Float() float64 {
	return float64(d) / Scale
}

// Radians returns the value in radians.
func (d Degrees) Radians() float64 {
	return d.Float() * math.Pi / 180
}

// String formats the value as a decimal with trailing zeros trimmed.
func (d Degrees) String() string {
	sign := ""
	v := int64(d)
	if v < 0 {
		sign = "-"
		v = -v
	}
	frac := strings.TrimRight(fmt.Sprintf("%07d", v%Scale), "0")
	if frac == "" {
		frac = "0"
	}
	return fmt.Sprintf("%s%d.%s", sign, v/Scale, frac)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

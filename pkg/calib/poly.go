package calib

import "fmt"

// Degree is the fixed polynomial degree used by the factory calibration
// sheets: cubic, four coefficients.
const Degree = 3

// Poly is a cubic polynomial a + b·x + c·x² + d·x³, stored constant term
// first, matching the order used in the calibration configuration.
type Poly [Degree + 1]float64

// Identity is the polynomial that maps every input to itself. A conversion
// polynomial of this form means no gas correction is applied.
var Identity = Poly{0, 1, 0, 0}

// NewPoly builds a Poly from a coefficient slice. The slice must contain
// exactly four entries.
func NewPoly(coeffs []float64) (Poly, error) {
	if len(coeffs) != Degree+1 {
		return Poly{}, fmt.Errorf("polynomial needs %d coefficients, got %d", Degree+1, len(coeffs))
	}
	var p Poly
	copy(p[:], coeffs)
	return p, nil
}

// Eval evaluates the polynomial at x using Horner's scheme.
func (p Poly) Eval(x float64) float64 {
	y := p[Degree]
	for i := Degree - 1; i >= 0; i-- {
		y = y*x + p[i]
	}
	return y
}

// IsIdentity reports whether the polynomial maps x to x exactly.
func (p Poly) IsIdentity() bool {
	return p == Identity
}

package tcs34725

// Lux converts channel counts to illuminance.
func Lux(r, g, b float64) float64 {
	return -0.32466*r + 1.57837*g + -0.73191*b
}

// ColorTemperature returns the correlated colour temperature in kelvin using McCamy's formula. ok is false when the
// counts do not define a chromaticity (all zero).
func ColorTemperature(r, g, b float64) (kelvin float64, ok bool) {
	// RGB to CIE XYZ
	x := -0.14282*r + 1.54924*g + -0.95641*b
	y := -0.32466*r + 1.57837*g + -0.73191*b
	z := -0.68202*r + 0.77073*g + 0.56332*b

	sum := x + y + z
	if sum == 0 {
		return 0, false
	}

	xc := x / sum
	yc := y / sum
	n := (xc - 0.3320) / (0.1858 - yc)

	return 449.0*n*n*n + 3525.0*n*n + 6823.3*n + 5520.33, true
}

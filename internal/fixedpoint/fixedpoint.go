// Package fixedpoint converts between the signed fixed-point encodings
// used on the CAN wire and the floating point values the gateway exposes
// to browser clients.
package fixedpoint

// ParameterFromWire converts a raw signed 32-bit parameter value (5
// fractional bits) to a real number.
func ParameterFromWire(raw int32) float64 {
	return float64(raw) / 32.0
}

// ParameterToWire is the inverse of ParameterFromWire, truncating toward
// zero. Lossless for any v whose v*32 fits in int32.
func ParameterToWire(v float64) int32 {
	return int32(v * 32.0)
}

// GainFromWire converts a raw signed 24-bit gain (3 fractional decimal
// digits) to a real number.
func GainFromWire(raw int32) float64 {
	return float64(raw) / 1000.0
}

// GainToWire is the inverse of GainFromWire, truncating toward zero and
// clamping to the signed 24-bit range.
func GainToWire(v float64) int32 {
	raw := int32(v * 1000.0)
	const max24 = 1<<23 - 1
	const min24 = -(1 << 23)
	if raw > max24 {
		raw = max24
	}
	if raw < min24 {
		raw = min24
	}
	return raw
}

package fixedpoint

import "testing"

func TestParameterRoundTripLossless(t *testing.T) {
	for _, raw := range []int32{0, 32, -32, 1, -1, 1000000, -1000000} {
		v := ParameterFromWire(raw)
		back := ParameterToWire(v)
		if back != raw {
			t.Fatalf("round trip not lossless: raw=%d -> v=%v -> back=%d", raw, v, back)
		}
	}
}

func TestParameterFromWireDivides(t *testing.T) {
	if got := ParameterFromWire(320); got != 10.0 {
		t.Fatalf("expected 10.0, got %v", got)
	}
}

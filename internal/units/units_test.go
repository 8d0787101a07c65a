package units

import (
	"math"
	"testing"
)

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		if !IsValid(u) {
			t.Errorf("expected %q to be valid", u)
		}
	}
	for _, u := range []string{"", "knots", "KMH", "m/s"} {
		if IsValid(u) {
			t.Errorf("expected %q to be invalid", u)
		}
	}
}

func TestConvertFromKMH(t *testing.T) {
	tests := []struct {
		name  string
		speed float64
		units string
		want  float64
	}{
		{"kmph passthrough", 36, KMPH, 36},
		{"kph passthrough", 36, KPH, 36},
		{"to mps", 36, MPS, 10},
		{"to mph", 100, MPH, 62.137119223733},
		{"unknown passthrough", 42, "bogus", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertFromKMH(tt.speed, tt.units)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ConvertFromKMH(%v, %q) = %v, want %v", tt.speed, tt.units, got, tt.want)
			}
		})
	}
}

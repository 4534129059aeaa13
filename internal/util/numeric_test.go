package util

import (
	"encoding/json"
	"math"
	"testing"
)

func TestClampAndInRange(t *testing.T) {
	if got := Clamp(12, 0, 10); got != 10 {
		t.Errorf("Clamp(12, 0, 10) = %d", got)
	}
	if got := Clamp(-0.5, 0.0, 1.0); got != 0 {
		t.Errorf("Clamp(-0.5, 0, 1) = %v", got)
	}
	if !InRange(3, 3, 3) || InRange(4, 0, 3) {
		t.Error("InRange bounds are inclusive")
	}
}

func TestToFloat64(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		wantOK bool
	}{
		{1.5, 1.5, true},
		{float32(0.25), 0.25, true},
		{7, 7, true},
		{int64(-3), -3, true},
		{uint8(9), 9, true},
		{json.Number("2e3"), 2000, true},
		{json.Number("x"), 0, false},
		{"1", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToFloat64(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ToFloat64(%#v) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.5", 0.5},
		{" -2 ", -2},
		{"1e-3", 1e-3},
		{"INF", math.Inf(1)},
		{"+inf", math.Inf(1)},
		{"-Inf", math.Inf(-1)},
	}
	for _, tt := range tests {
		got, err := ParseFloat(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseFloat(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}

	if v, err := ParseFloat("NaN"); err != nil || !math.IsNaN(v) {
		t.Errorf("ParseFloat(NaN) = %v, %v", v, err)
	}
	if _, err := ParseFloat("loss=0.1"); err == nil {
		t.Error("expected error for non-numeric value")
	}
}

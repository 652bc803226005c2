package mathx

import (
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	if Clamp(5, 1, 10) != 5 || Clamp(0, 1, 10) != 1 || Clamp(11, 1, 10) != 10 {
		t.Fatal("int clamp")
	}
	// swapped bounds
	if Clamp(0, 10, 1) != 1 {
		t.Fatal("swapped bounds")
	}
	// durations are ordered too
	if Clamp(50*time.Microsecond, 92*time.Microsecond, time.Second) != 92*time.Microsecond {
		t.Fatal("duration clamp")
	}
}

func TestBetweenMinMax(t *testing.T) {
	if !Between(5, 1, 10) || Between(0, 1, 10) || !Between(5, 10, 1) {
		t.Fatal("between")
	}
	if Min(2, 3) != 2 || Max(2, 3) != 3 {
		t.Fatal("min/max")
	}
}

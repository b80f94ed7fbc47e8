package encoding

import "testing"

func TestValidateVectorRejectsEmpty(t *testing.T) {
	if err := ValidateVector(nil); err == nil {
		t.Error("expected an error for a nil vector")
	}
	if err := ValidateVector([]float32{}); err == nil {
		t.Error("expected an error for an empty vector")
	}
}

func TestValidateVectorRejectsNaNAndInf(t *testing.T) {
	nan := float32(0)
	nan = nan / nan
	if err := ValidateVector([]float32{1, nan, 2}); err == nil {
		t.Error("expected an error for a vector containing NaN")
	}

	inf := float32(1)
	for i := 0; i < 40; i++ {
		inf *= 10
	}
	if err := ValidateVector([]float32{1, inf, 2}); err == nil {
		t.Error("expected an error for a vector containing infinity")
	}
}

func TestValidateVectorAcceptsFinite(t *testing.T) {
	if err := ValidateVector([]float32{0, 1, -1, 0.5}); err != nil {
		t.Errorf("expected no error for a well-formed vector, got %v", err)
	}
}

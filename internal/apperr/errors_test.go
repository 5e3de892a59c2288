package apperr

import (
	"fmt"
	"testing"
)

func TestValidationErrorWrapping(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("create habit: %w", Validationf("target_frequency", "must be in [1,7], got %d", 9))
	if !IsValidation(err) {
		t.Fatal("expected validation error through wrap")
	}
	if got, want := err.Error(), "create habit: invalid target_frequency: must be in [1,7], got 9"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if IsNotFound(err) {
		t.Fatal("validation error must not match ErrNotFound")
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("habit", int64(7))
	if !IsNotFound(err) {
		t.Fatal("expected IsNotFound")
	}
	if err.Error() != "habit 7: not found" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

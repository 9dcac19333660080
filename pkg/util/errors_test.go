package util

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestUnsatisfiableError(t *testing.T) {
	err := NewUnsatisfiableError("a cannot reach p")
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Error("UnsatisfiableError should unwrap to ErrUnsatisfiable")
	}
	if !strings.Contains(err.Error(), "a cannot reach p") {
		t.Errorf("Error() = %q", err.Error())
	}

	multi := NewUnsatisfiableError("one", "two")
	if !strings.Contains(multi.Error(), "\n  - two") {
		t.Errorf("multi-reason message = %q", multi.Error())
	}
}

func TestInfeasibleError(t *testing.T) {
	err := NewInfeasibleError("p", "loop between %s and %s", "a", "b")
	if !errors.Is(err, ErrPlanInfeasible) {
		t.Error("InfeasibleError should unwrap to ErrPlanInfeasible")
	}
	if got, want := err.Error(), "plan infeasible for p: loop between a and b"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := NewInfeasibleError("", "x").Error(); got != "plan infeasible: x" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("solve", 2*time.Second)
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError should unwrap to ErrTimeout")
	}
	if got, want := err.Error(), "solve timed out after 2s"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestDriverErrorUnwrapsBoth(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("dispatch: %w", NewDriverError("pin-route/a/p", "apply", cause))

	if !errors.Is(err, ErrDriver) {
		t.Error("should unwrap to ErrDriver")
	}
	if !errors.Is(err, cause) {
		t.Error("should unwrap to the cause")
	}
	var de *DriverError
	if !errors.As(err, &de) || de.Command != "pin-route/a/p" {
		t.Errorf("errors.As = %v", de)
	}
}

func TestValidationBuilder(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		v := &ValidationBuilder{}
		v.Add(true, "never")
		if v.HasErrors() {
			t.Error("should not have errors")
		}
		if err := v.Build(); err != nil {
			t.Errorf("Build() = %v, want nil", err)
		}
	})

	t.Run("accumulates", func(t *testing.T) {
		v := &ValidationBuilder{}
		v.Add(false, "router missing").AddErrorf("link %s-%s has weight %d", "a", "b", 0)
		err := v.Build()
		if !errors.Is(err, ErrValidationFailed) {
			t.Fatalf("Build() = %v, want ErrValidationFailed", err)
		}
		var ve *ValidationError
		if !errors.As(err, &ve) || len(ve.Errors) != 2 {
			t.Fatalf("errors = %v", ve)
		}
		if ve.Errors[1] != "link a-b has weight 0" {
			t.Errorf("Errors[1] = %q", ve.Errors[1])
		}
	})
}

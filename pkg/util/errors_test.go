package util

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRouterError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewRouterError("cisco", "read", cause)

	if !errors.Is(err, ErrRouterCommunication) {
		t.Error("RouterError should match ErrRouterCommunication")
	}
	if !errors.Is(err, cause) {
		t.Error("RouterError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "cisco read") {
		t.Errorf("message missing context: %s", err)
	}

	wrapped := fmt.Errorf("sync: %w", err)
	var re *RouterError
	if !errors.As(wrapped, &re) || re.Vendor != "cisco" {
		t.Errorf("errors.As failed through wrapping: %v", wrapped)
	}
}

func TestAPIError(t *testing.T) {
	err := NewAPIError("get_flows", 503, nil)
	if !errors.Is(err, ErrAPICommunication) {
		t.Error("APIError should match ErrAPICommunication")
	}
	if !strings.Contains(err.Error(), "HTTP 503") {
		t.Errorf("message missing status: %s", err)
	}

	noStatus := NewAPIError("set_flow", 0, errors.New("timeout"))
	if strings.Contains(noStatus.Error(), "HTTP") {
		t.Errorf("status should be omitted when zero: %s", noStatus)
	}
}

func TestPartialFailureError(t *testing.T) {
	err := NewPartialFailureError("apply_remove", 5, 2)
	if !errors.Is(err, ErrPartialFailure) {
		t.Error("PartialFailureError should unwrap to ErrPartialFailure")
	}
	if err.Error() != "apply_remove: 2 of 5 failed" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidationBuilder(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		v := &ValidationBuilder{}
		v.Add(true, "this should not appear")
		if v.HasErrors() {
			t.Error("Should not have errors when all conditions are true")
		}
		if err := v.Build(); err != nil {
			t.Errorf("Build() should return nil when no errors: %v", err)
		}
	})

	t.Run("accumulates", func(t *testing.T) {
		v := &ValidationBuilder{}
		v.Add(false, "identifier is required").
			AddErrorf("unknown job %q", "foo")
		err := v.Build()
		if !errors.Is(err, ErrValidationFailed) {
			t.Fatalf("Build() = %v, want ErrValidationFailed", err)
		}
		if !strings.Contains(err.Error(), "identifier") || !strings.Contains(err.Error(), "foo") {
			t.Errorf("message should contain both errors: %s", err)
		}
	})
}

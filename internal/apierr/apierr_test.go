package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{BadState, http.StatusConflict},
		{ResourceExhausted, http.StatusServiceUnavailable},
		{BackendUnavailable, http.StatusInternalServerError},
		{UpstreamUnreachable, http.StatusBadGateway},
		{Timeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
		{Kind(99), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.kind.Status(); got != tt.want {
			t.Errorf("Kind(%v).Status() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	plain := New(Validation, "bad input")
	if plain.Error() != "bad input" {
		t.Errorf("Error() = %q, want %q", plain.Error(), "bad input")
	}

	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(UpstreamUnreachable, "backend create failed", cause)
	want := "backend create failed: dial tcp: connection refused"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Wrap should preserve the cause for errors.Is")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	v := Validationf("timeout_ms %d exceeds max %d", 999999, 3600000)
	if v.Kind != Validation {
		t.Errorf("Validationf kind = %v, want Validation", v.Kind)
	}
	want := "timeout_ms 999999 exceeds max 3600000"
	if v.Message != want {
		t.Errorf("Validationf message = %q, want %q", v.Message, want)
	}

	nf := NotFoundf("sandbox %s not found", "abc-123")
	if nf.Kind != NotFound {
		t.Errorf("NotFoundf kind = %v, want NotFound", nf.Kind)
	}

	bs := BadStatef("sandbox %s is destroyed", "abc-123")
	if bs.Kind != BadState {
		t.Errorf("BadStatef kind = %v, want BadState", bs.Kind)
	}

	// No args: the format string must pass through unmodified even if it
	// contains characters that would otherwise need escaping for Sprintf.
	plain := Validationf("no args here")
	if plain.Message != "no args here" {
		t.Errorf("Validationf with no args = %q", plain.Message)
	}
}

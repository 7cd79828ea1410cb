package laerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := New("op", KindValidation, cause)
	if KindOf(err) != KindValidation {
		t.Fatalf("KindOf = %v, want KindValidation", KindOf(err))
	}

	wrapped := fmt.Errorf("context: %w", err)
	if KindOf(wrapped) != KindValidation {
		t.Fatalf("KindOf through fmt.Errorf wrap = %v, want KindValidation", KindOf(wrapped))
	}

	if KindOf(errors.New("unrelated")) != KindUnknown {
		t.Fatalf("KindOf of a plain error should be KindUnknown")
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := New("capture.Validate", KindBusy, nil)
	if !errors.Is(err, Busy) {
		t.Fatalf("errors.Is(err, Busy) = false, want true")
	}
	if errors.Is(err, Timeout) {
		t.Fatalf("errors.Is(err, Timeout) = true, want false")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := New("op", KindTransport, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("Unwrap did not expose the underlying cause")
	}
}

func TestErrorMessage(t *testing.T) {
	err := New("handshake.Do", KindHandshake, errors.New("bad line"))
	want := "handshake.Do: HandshakeError: bad line"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

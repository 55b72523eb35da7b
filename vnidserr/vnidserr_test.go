package vnidserr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("boom")
	err := New(IO, "socket.read", underlying)
	if !errors.Is(err, underlying) {
		t.Fatal("expected errors.Is to find the wrapped underlying error")
	}
}

func TestError_String(t *testing.T) {
	err := New(Capacity, "queue.push", errors.New("full"))
	got := err.Error()
	want := "capacity: queue.push: full"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_StringWithoutUnderlying(t *testing.T) {
	err := New(Fatal, "config.validate", nil)
	got := err.Error()
	want := "fatal: config.validate"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(errors.New("plain")) {
		t.Error("plain error should not be classified fatal")
	}
	if IsFatal(New(IO, "op", nil)) {
		t.Error("IO kind should not be classified fatal")
	}
	if !IsFatal(New(Fatal, "op", nil)) {
		t.Error("Fatal kind should be classified fatal")
	}

	wrapped := fmt.Errorf("context: %w", New(Fatal, "op", nil))
	if !IsFatal(wrapped) {
		t.Error("IsFatal should see through fmt.Errorf wrapping")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		IO:             "io",
		Parse:          "parse",
		Capacity:       "capacity",
		InvalidRequest: "invalid_request",
		Subprocess:     "subprocess",
		Fatal:          "fatal",
		Kind(99):       "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

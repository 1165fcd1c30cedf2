package errors

import (
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", New("boom"), Internal},
		{"classified", E(Conflict, "bench busy"), Conflict},
		{"wrapped", fmt.Errorf("submit: %w", E(NotFound, "bench %q", "b1")), NotFound},
		{"sentinel", ErrTimeout, Timeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIs_MatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("claim: %w", Wrap(DriverFailure, New("exit 1"), "bench new-site failed"))

	if !Is(err, ErrDriverFailure) {
		t.Error("expected DriverFailure error to match ErrDriverFailure")
	}
	if Is(err, ErrTimeout) {
		t.Error("DriverFailure error must not match ErrTimeout")
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"msg only", E(Validation, "site name required"), "site name required"},
		{"with op", E(NotFound, "job abc").WithOp("GetStatus"), "GetStatus: job abc"},
		{"with cause", Wrap(DriverFailure, New("exit status 1"), "drop-site"), "drop-site: exit status 1"},
		{"kind only", &Error{Kind: Interrupted}, "Interrupted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithOp_DoesNotMutateSentinel(t *testing.T) {
	_ = ErrConflict.WithOp("Submit")
	if ErrConflict.Op != "" {
		t.Errorf("sentinel was mutated: op = %q", ErrConflict.Op)
	}
}

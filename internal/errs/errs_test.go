package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"tagged", New(KindStateViolation, errors.New("no")), KindStateViolation},
		{"wrapped tag", fmt.Errorf("outer: %w", Newf(KindVersionConflict, "clash")), KindVersionConflict},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", fmt.Errorf("op: %w", context.Canceled), KindTransient},
		{"sqlite busy", errors.New("database is locked (5)"), KindTransient},
		{"socket string", errors.New("dial tcp: connection refused"), KindTransient},
		{"plain", errors.New("something else"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, k := range []Kind{KindInvalidArgument, KindStateViolation, KindDataCorruption} {
		if !IsTerminal(Newf(k, "x")) {
			t.Errorf("%s should be terminal", k)
		}
	}
	for _, k := range []Kind{KindTransient, KindVersionConflict, KindNotFound, KindUnknown} {
		if IsTerminal(Newf(k, "x")) {
			t.Errorf("%s should not be terminal", k)
		}
	}
}

func TestNew_NilPassesThrough(t *testing.T) {
	if New(KindTransient, nil) != nil {
		t.Error("New(kind, nil) must be nil")
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := New(KindFatal, inner)
	if !errors.Is(err, inner) {
		t.Error("tagged errors must unwrap to their cause")
	}
}

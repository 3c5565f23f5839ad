package fault

import (
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
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("boom"), want: Internal},
		{name: "conflict", err: New(Conflict, "start", "sequence %q running", "self-test"), want: Conflict},
		{name: "wrapped twice", err: fmt.Errorf("outer: %w", Wrap(NotFound, "recipe", errors.New("id 3"))), want: NotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Internal, "op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := WithOutput(ExternalCommand, "op", nil, "out"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestErrorMessageAndOutput(t *testing.T) {
	base := errors.New("exit status 128")
	err := WithOutput(ExternalCommand, "git fetch", base, "fatal: unable to access")

	if got := err.Error(); got != "git fetch: exit status 128" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected error chain to include base error")
	}
	if got := OutputOf(fmt.Errorf("wrap: %w", err)); got != "fatal: unable to access" {
		t.Fatalf("unexpected output %q", got)
	}
	if !Is(err, ExternalCommand) {
		t.Fatalf("expected ExternalCommand kind")
	}
}

package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: KindInternal},
		{name: "direct", err: New(KindLocked, "x"), want: KindLocked},
		{name: "wrapped", err: fmt.Errorf("outer: %w", Unresolved("c1", 2)), want: KindUnresolvedSegments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnresolvedCarriesCount(t *testing.T) {
	err := fmt.Errorf("approve: %w", Unresolved("c1", 3))
	e, ok := As(err)
	if !ok {
		t.Fatal("expected *Error in chain")
	}
	if e.Count != 3 {
		t.Errorf("Count = %d, want 3", e.Count)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, cause, "write manifest")
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable with errors.Is")
	}
	if err.Error() != "write manifest: disk full" {
		t.Errorf("Error() = %q", err.Error())
	}
}

package registry

import (
	"context"
	"errors"
	"testing"
)

func noop(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return nil, nil
}

func TestRegisterResolve(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register("noop", noop); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	fn, err := r.Resolve("noop")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if fn == nil {
		t.Fatal("expected function")
	}
	if !r.Has("noop") {
		t.Fatal("Has = false, want true")
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.Resolve("missing")
	if !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
	var uerr *UnknownFunctionError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownFunctionError, got %v", err)
	}
	if uerr.Name != "missing" {
		t.Fatalf("Name = %q, want missing", uerr.Name)
	}
}

func TestRegisterInvalid(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register("", noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register("nilfn", nil); err == nil {
		t.Fatal("expected error for nil function")
	}
}

func TestRegisterReplaces(t *testing.T) {
	t.Parallel()
	r := New()
	calls := 0
	_ = r.Register("dup", noop)
	_ = r.Register("dup", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		calls++
		return nil, nil
	})
	fn, err := r.Resolve("dup")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if _, err := fn(context.Background(), nil, nil); err != nil {
		t.Fatalf("call error: %v", err)
	}
	if calls != 1 {
		t.Fatal("expected later registration to win")
	}
}

func TestNamesAndClear(t *testing.T) {
	t.Parallel()
	r := New()
	for _, name := range []string{"b", "a", "c"} {
		if err := r.Register(name, noop); err != nil {
			t.Fatalf("Register(%s) error: %v", name, err)
		}
	}
	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("Names = %v, want 3 entries", names)
	}
	r.Clear()
	if r.Has("a") {
		t.Fatal("expected registry empty after Clear")
	}
}

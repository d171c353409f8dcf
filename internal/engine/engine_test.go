package engine

import (
	"context"
	"errors"
	"testing"
)

type stubEngine struct {
	id string
}

func (s *stubEngine) ID() string { return s.id }
func (s *stubEngine) Invoke(_ context.Context, _ Request) (Response, error) {
	return Response{Result: map[string]any{"from": s.id}}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubEngine{id: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&stubEngine{id: "a"}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	e, err := r.Get("a")
	if err != nil || e.ID() != "a" {
		t.Fatalf("Get = %v, %v", e, err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("Get of unknown engine succeeded")
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubEngine{id: "first"})
	r.Register(&stubEngine{id: "reviewer"})
	if err := r.SetDefault("review", "reviewer"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}

	// Explicit id wins over the type default.
	e, err := r.Resolve("review", "first")
	if err != nil || e.ID() != "first" {
		t.Fatalf("explicit resolve = %v, %v", e, err)
	}
	// Type default next.
	e, err = r.Resolve("review", "")
	if err != nil || e.ID() != "reviewer" {
		t.Fatalf("default resolve = %v, %v", e, err)
	}
	// Fallback is the first registered engine.
	e, err = r.Resolve("search", "")
	if err != nil || e.ID() != "first" {
		t.Fatalf("fallback resolve = %v, %v", e, err)
	}
}

func TestRegistry_ResolveEmpty(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("search", ""); err == nil {
		t.Fatal("resolve on empty registry succeeded")
	}
}

func TestSetDefault_UnknownEngine(t *testing.T) {
	r := NewRegistry()
	if err := r.SetDefault("search", "ghost"); err == nil {
		t.Fatal("SetDefault accepted unregistered engine")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorClass
	}{
		{"status 401: unauthorized", ErrorClassAuth},
		{"invalid api key", ErrorClassAuth},
		{"status 400: bad request", ErrorClassValidation},
		{"status 429: too many requests", ErrorClassRateLimit},
		{"context deadline exceeded", ErrorClassTimeout},
		{"status 503: overloaded", ErrorClassServer},
		{"dial tcp: connection refused", ErrorClassConnection},
		{"something odd happened", ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("status 401: unauthorized")) {
		t.Fatal("auth error marked retryable")
	}
	if IsRetryable(errors.New("status 400: bad request")) {
		t.Fatal("validation error marked retryable")
	}
	if !IsRetryable(errors.New("status 429: too many requests")) {
		t.Fatal("rate limit error marked non-retryable")
	}
	if !IsRetryable(errors.New("weird")) {
		t.Fatal("unknown error marked non-retryable")
	}
}

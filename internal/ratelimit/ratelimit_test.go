package ratelimit

import (
	"errors"
	"testing"
)

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 1000; i++ {
		if err := l.Allow("a", 0); err != nil {
			t.Fatalf("unlimited Allow failed: %v", err)
		}
	}
}

func TestAllow_ExhaustsBucket(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 3; i++ {
		if err := l.Allow("agent-1:tool-101", 3); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := l.Allow("agent-1:tool-101", 3); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestAllow_KeysIndependent(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 2; i++ {
		if err := l.Allow("a", 2); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Allow("a", 2); err == nil {
		t.Fatal("expected key a exhausted")
	}
	if err := l.Allow("b", 2); err != nil {
		t.Fatalf("key b should be unaffected: %v", err)
	}
}

package ratelimit

import (
	"testing"

	"golang.org/x/time/rate"
)

func TestLimiter_AllowsBurstThenThrottles(t *testing.T) {
	l := New(rate.Limit(1), 2)
	defer l.Stop()

	if !l.Allow("full-queue") {
		t.Fatalf("first call should be allowed")
	}
	if !l.Allow("full-queue") {
		t.Fatalf("second call (within burst) should be allowed")
	}
	if l.Allow("full-queue") {
		t.Fatalf("third call should be throttled")
	}
}

func TestLimiter_ReasonsAreIndependent(t *testing.T) {
	l := New(rate.Limit(1), 1)
	defer l.Stop()

	if !l.Allow("malformed-input") {
		t.Fatalf("first reason's first call should be allowed")
	}
	if !l.Allow("full-queue") {
		t.Fatalf("a distinct reason should have its own budget")
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(rate.Limit(1), 1)
	l.Stop()
	l.Stop()
}

package types

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseProviderStatus(t *testing.T) {
	cases := []struct {
		raw       string
		want      SubscriptionStatus
		wantExact bool
	}{
		{"active", SubscriptionActive, true},
		{"canceled", SubscriptionCanceled, true},
		{"past_due", SubscriptionPastDue, true},
		{"trialing", SubscriptionTrialing, true},
		{"unpaid", SubscriptionPastDue, false},
		{"incomplete", SubscriptionPastDue, false},
		{"incomplete_expired", SubscriptionPastDue, false},
		{"paused", SubscriptionPastDue, false},
		{"", SubscriptionActive, false},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, exact := ParseProviderStatus(tc.raw)
			if got != tc.want || exact != tc.wantExact {
				t.Errorf("ParseProviderStatus(%q) = (%q, %v), want (%q, %v)", tc.raw, got, exact, tc.want, tc.wantExact)
			}
			if !got.Valid() {
				t.Errorf("ParseProviderStatus(%q) returned a status outside the enum: %q", tc.raw, got)
			}
		})
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	if _, ok := GetActor(ctx); ok {
		t.Error("GetActor on empty context reported ok")
	}
	if GetRequestID(ctx) != "" {
		t.Error("GetRequestID on empty context returned a value")
	}

	ctx = WithActor(ctx, Actor{Subject: "user_2abc", Email: "a@example.com"})
	ctx = WithRequestID(ctx, "req-1")

	actor, ok := GetActor(ctx)
	if !ok || actor.Subject != "user_2abc" {
		t.Errorf("GetActor = %+v, %v", actor, ok)
	}
	if GetRequestID(ctx) != "req-1" {
		t.Errorf("GetRequestID = %q", GetRequestID(ctx))
	}
}

func TestLoggerFromContext(t *testing.T) {
	fallback := slog.New(slog.DiscardHandler)
	if got := LoggerFromContext(context.Background(), fallback); got != fallback {
		t.Error("expected fallback logger on empty context")
	}
	if got := LoggerFromContext(context.Background(), nil); got != slog.Default() {
		t.Error("expected slog.Default() when fallback is nil")
	}

	scoped := slog.New(slog.DiscardHandler).With("request_id", "req-1")
	ctx := WithLogger(context.Background(), scoped)
	if got := LoggerFromContext(ctx, fallback); got != scoped {
		t.Error("expected the request-scoped logger")
	}
}

package core

import (
	"errors"
	"testing"

	"repurpose/internal/types"
)

type checkoutRequest struct {
	Tier string `json:"tier" validate:"required,tier_name"`
}

type actionRequest struct {
	Action string `json:"action" validate:"required,subscription_action"`
	Note   string `json:"note" validate:"omitempty,max=5"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator(testLogger())

	tests := []struct {
		name      string
		input     any
		wantCode  types.ErrorCode
		wantField string
	}{
		{"valid tier", checkoutRequest{Tier: "pro"}, "", ""},
		{"valid custom tier", checkoutRequest{Tier: "team_2"}, "", ""},
		{"missing tier", checkoutRequest{}, types.ErrCodeValidationMissingField, "tier"},
		{"uppercase tier", checkoutRequest{Tier: "Pro"}, types.ErrCodeValidationInvalidTier, "tier"},
		{"tier with space", checkoutRequest{Tier: "pro plan"}, types.ErrCodeValidationInvalidTier, "tier"},
		{"valid cancel", actionRequest{Action: "cancel"}, "", ""},
		{"valid reactivate", actionRequest{Action: "reactivate"}, "", ""},
		{"unknown action", actionRequest{Action: "pause"}, types.ErrCodeValidationInvalidAction, "action"},
		{"other tag", actionRequest{Action: "cancel", Note: "too long"}, types.ErrCodeValidationInvalidBody, "note"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.input)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", appErr.Code, tt.wantCode)
			}
			errs, ok := appErr.Details["validation_errors"].([]ValidationError)
			if !ok || len(errs) == 0 {
				t.Fatalf("details = %v", appErr.Details)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestValidateStruct_NonStruct(t *testing.T) {
	v := NewValidator(testLogger())
	var appErr *types.AppError
	if !errors.As(v.ValidateStruct("not a struct"), &appErr) {
		t.Fatal("expected AppError")
	}
	if appErr.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("code = %q", appErr.Code)
	}
}

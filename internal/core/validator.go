package core

import (
	"errors"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"repurpose/internal/types"
)

// tierNamePattern matches names the tier catalog accepts.
var tierNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// tagCodes maps a failing validation tag to the error code reported for it.
// Tags not listed report validation_invalid_body.
var tagCodes = map[string]types.ErrorCode{
	"required":            types.ErrCodeValidationMissingField,
	"tier_name":           types.ErrCodeValidationInvalidTier,
	"subscription_action": types.ErrCodeValidationInvalidAction,
}

// ValidationError describes one failing field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the service's custom tags:
//
//	tier_name            lowercase catalog tier name
//	subscription_action  "cancel" or "reactivate"
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags. Field
// names in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("tier_name", func(fl validator.FieldLevel) bool {
		return tierNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("subscription_action", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "cancel", "reactivate":
			return true
		}
		return false
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns an *types.AppError whose code
// follows the first failing tag. Every failure is listed under
// details.validation_errors.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("struct validation could not run", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed to run", err)
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}

	code, ok := tagCodes[verrs[0].Tag()]
	if !ok {
		code = types.ErrCodeValidationInvalidBody
	}
	return types.NewAppErrorWithDetails(code, out[0].Message, err, map[string]any{
		"validation_errors": out,
	})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "tier_name":
		return fe.Field() + " is not a valid tier name"
	case "subscription_action":
		return fe.Field() + " must be cancel or reactivate"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

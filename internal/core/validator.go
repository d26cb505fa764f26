package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"breathofnow/internal/types"
)

// Validator wraps go-playground/validator with the request DTO rules.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewValidator creates a Validator and registers the custom tags:
//
//	country_code       ISO 3166-1 alpha-2, either case
//	billing_interval   monthly | yearly | lifetime
//	paid_plan          a purchasable subscription tier
//	entitlement_action select | deselect | make_primary
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	must := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register validation %q: %v", tag, err))
		}
	}
	must("country_code", func(fl validator.FieldLevel) bool {
		return isCountryCode(fl.Field().String())
	})
	must("billing_interval", func(fl validator.FieldLevel) bool {
		switch types.BillingInterval(fl.Field().String()) {
		case types.IntervalMonthly, types.IntervalYearly, types.IntervalLifetime:
			return true
		}
		return false
	})
	must("paid_plan", func(fl validator.FieldLevel) bool {
		tier, ok := types.ParseSubscriptionTier(fl.Field().String())
		return ok && tier.IsPaid()
	})
	must("entitlement_action", func(fl validator.FieldLevel) bool {
		return types.EntitlementAction(fl.Field().String()).Valid()
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct checks s against its validate tags. A failure is a
// validation_failed AppError whose details list every rejected field; the
// first field's code is promoted where a more specific error code exists.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}

	return types.NewAppErrorWithDetails(codeForTag(verrs[0].Tag()), fields[0].Message, err,
		map[string]any{"fields": fields})
}

func codeForTag(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "entitlement_action":
		return types.ErrCodeValidationInvalidAction
	case "paid_plan":
		return types.ErrCodeValidationInvalidPlan
	case "country_code":
		return types.ErrCodeValidationInvalidCountry
	default:
		return types.ErrCodeValidationFailed
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "country_code":
		return fe.Field() + " must be an ISO 3166-1 alpha-2 country code"
	case "billing_interval":
		return fe.Field() + " must be one of monthly, yearly, lifetime"
	case "paid_plan":
		return fe.Field() + " must be a purchasable plan"
	case "entitlement_action":
		return fe.Field() + " must be one of select, deselect, make_primary"
	default:
		return fe.Field() + " is invalid"
	}
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MaxBatchSize = 1000
	DefaultLimit = 10
	MaxLimit     = 100
	ExportLimit  = 10000
)

var hwidPattern = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// validator's own "hexadecimal" accepts a 0x prefix, which is not a hwid.
	_ = v.RegisterValidation("hwid", func(fl validator.FieldLevel) bool {
		return hwidPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("cardstatus", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "", "unused", "used", "expired":
			return true
		}
		return false
	})
	return v
}

type verifyInput struct {
	Key  string `validate:"required,min=8,max=64"`
	HWID string `validate:"required,hwid"`
}

type hwidInput struct {
	HWID string `validate:"required,hwid"`
}

type generateInput struct {
	Count       int    `validate:"min=1,max=1000"`
	Description string `validate:"max=2000"`
}

type listInput struct {
	Status string `validate:"cardstatus"`
}

// validateStruct turns validator errors into a single ValidationError.
func validateStruct(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError(err.Error())
	}

	msgs := make([]string, 0, len(verrs))
	fields := make(map[string]any, len(verrs))
	for _, e := range verrs {
		var msg string
		switch e.Tag() {
		case "required":
			msg = fmt.Sprintf("%s is required", fieldName(e.Field()))
		case "min":
			msg = fmt.Sprintf("%s must be at least %s", fieldName(e.Field()), e.Param())
		case "max":
			msg = fmt.Sprintf("%s must be at most %s", fieldName(e.Field()), e.Param())
		case "hwid":
			msg = "hwid must be 32 hexadecimal characters"
		case "cardstatus":
			msg = "status must be one of unused, used, expired"
		default:
			msg = fmt.Sprintf("%s is invalid", fieldName(e.Field()))
		}
		msgs = append(msgs, msg)
		fields[fieldName(e.Field())] = e.Tag()
	}
	return newError(KindValidation, strings.Join(msgs, "; "), map[string]any{"fields": fields})
}

func fieldName(f string) string {
	switch f {
	case "HWID":
		return "hwid"
	}
	return strings.ToLower(f[:1]) + f[1:]
}

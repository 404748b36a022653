package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

const maxJSONBytes = 4 << 20

type validation struct {
	validate   *validator.Validate
	translator ut.Translator
}

// validatorOnce builds the shared validator with english messages and json
// field names.
var validatorOnce = sync.OnceValue(func() *validation {
	enLoc := en.New()
	uni := ut.New(enLoc, enLoc)
	trans, _ := uni.GetTranslator("en")

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if tag == "-" || tag == "" {
			return fld.Name
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		return tag
	})
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	_ = v.RegisterValidation("comma_ints", func(fl validator.FieldLevel) bool {
		_, err := parseCommaInts(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterTranslation("comma_ints", trans,
		func(ut ut.Translator) error {
			return ut.Add("comma_ints", "{0} must be a comma separated list of page numbers", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T("comma_ints", fe.Field())
			return msg
		},
	)
	return &validation{validate: v, translator: trans}
})

// parseCommaInts parses "1, 4,9" into integers. Blank input yields nil.
func parseCommaInts(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// validateStruct runs the validator and converts the first failure into a
// validation error naming the field.
func validateStruct(op string, v any) error {
	val := validatorOnce()
	err := val.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation(op, fe.Field(), "%s", fe.Translate(val.translator))
	}
	return apperr.Validation(op, "", "validation error: %v", err)
}

// decodeJSON reads a single JSON document into T and validates it.
func decodeJSON[T any](r *http.Request, op string) (T, error) {
	var dst T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dst); err != nil {
		if errors.Is(err, io.EOF) {
			return dst, apperr.Validation(op, "body", "empty body")
		}
		return dst, apperr.Validation(op, "body", "invalid JSON: %v", err)
	}
	if dec.More() {
		return dst, apperr.Validation(op, "body", "unexpected trailing data")
	}
	if err := validateStruct(op, dst); err != nil {
		return dst, err
	}
	return dst, nil
}

package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	playground "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/sakif/channel-lifecycle/internal/apperror"
)

const notBlankTag = "notblank"

// validator wraps go-playground/validator and reports the first failing
// field as an apperror.ValidationFailed named after its json tag.
type validator struct {
	v     *playground.Validate
	trans ut.Translator
}

func newValidator() *validator {
	v := playground.New()

	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(notBlankTag, func(fl playground.FieldLevel) bool {
		str, ok := fl.Field().Interface().(string)
		return ok && strings.TrimSpace(str) != ""
	})
	_ = v.RegisterTranslation(notBlankTag, trans,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe playground.FieldError) string { return fe.Field() + " cannot be blank" },
	)

	return &validator{v: v, trans: trans}
}

// Struct validates in against its `validate` tags.
func (val *validator) Struct(in any) error {
	return val.fieldError(val.v.Struct(in), "")
}

// Var validates a single value; field names the error.
func (val *validator) Var(field string, value any, tag string) error {
	return val.fieldError(val.v.Var(value, tag), field)
}

func (val *validator) fieldError(err error, field string) error {
	if err == nil {
		return nil
	}
	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	name := field
	if name == "" {
		name = fe.Field()
	}
	msg := fe.Translate(val.trans)
	if field != "" {
		// Var errors have no field name to translate with.
		msg = strings.TrimSpace(name + " " + strings.TrimPrefix(msg, " "))
	}
	return apperror.ValidationFailed(name, msg)
}

package validator

import (
	"bytes"
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// trans is the singleton English translator for validation errors.
var trans ut.Translator

// Setup registers the validator with English translations and the answer rule on
// Gin's binding engine. Call once during application startup.
func Setup() {
	v, ok := binding.Validator.Engine().(*govalidator.Validate)
	if !ok {
		return
	}

	// Field names in messages follow the JSON tag.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(v, trans)

	_ = v.RegisterValidation("answer", validAnswer)
	_ = v.RegisterTranslation("answer", trans,
		func(ut ut.Translator) error {
			return ut.Add("answer", "{0} must be a JSON value other than null", true)
		},
		func(ut ut.Translator, fe govalidator.FieldError) string {
			msg, _ := ut.T("answer", fe.Field())
			return msg
		},
	)
}

// validAnswer accepts any raw JSON value except an absent or null one.
func validAnswer(fl govalidator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.Slice {
		return false
	}
	raw := bytes.TrimSpace(f.Bytes())
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// TranslateErrors maps a binding error to field name → message. Anything that is not
// a validation error (bad JSON syntax, wrong types) lands under "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

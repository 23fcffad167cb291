package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rivo/uniseg"
)

// MaxTextGraphemes is the longest text body accepted for an outbound message.
const MaxTextGraphemes = 4096

var (
	phonePattern = regexp.MustCompile(`^[1-9][0-9]{5,15}$`)

	validate     *validator.Validate
	validateOnce sync.Once
)

// NormalizePhone strips formatting characters, a leading '+' and any JID suffix.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if at := strings.IndexByte(phone, '@'); at >= 0 {
		phone = phone[:at]
	}
	if colon := strings.IndexByte(phone, ':'); colon >= 0 {
		phone = phone[:colon]
	}
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	phone = replacer.Replace(phone)
	return strings.TrimPrefix(phone, "+")
}

// ValidatePhone ensures international format (no leading 0, digits only, length 6-16).
func ValidatePhone(phone string) error {
	trimmed := NormalizePhone(phone)
	if trimmed == "" {
		return errors.New("phone number cannot be empty")
	}
	if strings.HasPrefix(trimmed, "0") {
		return errors.New("phone number must be in international format without leading 0")
	}
	if !phonePattern.MatchString(trimmed) {
		return errors.New("phone number must be digits only and at least 6 characters")
	}
	return nil
}

// ValidateText counts user-perceived characters so emoji and combining
// marks are not over-counted against the limit.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("text cannot be empty")
	}
	if n := uniseg.GraphemeClusterCount(text); n > MaxTextGraphemes {
		return fmt.Errorf("text is %d characters long, the limit is %d", n, MaxTextGraphemes)
	}
	return nil
}

// ValidateURL ensures a non-empty valid URL when provided.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return errors.New("url must be valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	return nil
}

// Struct runs tag based validation on request DTOs. The custom "phone" tag
// applies ValidatePhone.
func Struct(v interface{}) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return ValidatePhone(fl.Field().String()) == nil
		})
	})

	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("%s is required", fieldName(fe))
		case "phone":
			return fmt.Errorf("%s must be a phone number in international format", fieldName(fe))
		case "oneof":
			return fmt.Errorf("%s must be one of: %s", fieldName(fe), fe.Param())
		default:
			return fmt.Errorf("%s is invalid", fieldName(fe))
		}
	}
	return err
}

func fieldName(fe validator.FieldError) string {
	return strings.ToLower(fe.Field())
}

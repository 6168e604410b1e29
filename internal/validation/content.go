// Package validation проверяет данные объявления, которые присылает покупатель.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

var (
	qqPattern     = regexp.MustCompile(`^[1-9][0-9]{4,}$`)
	wechatPattern = regexp.MustCompile(`^[a-zA-Z][-_a-zA-Z0-9]{5,19}$`)

	validate = mustValidator(newValidator(contentTags))
	// emailCheck отделён от validate, чтобы не замыкать инициализацию пакета.
	emailCheck = validator.New()
)

// contentInput описывает правила для полей, не зависящих от конфигурации места.
type contentInput struct {
	CustomerName string `validate:"max=50"`
	WebsiteName  string `validate:"required,min=2,max=50"`
	WebsiteURL   string `validate:"omitempty,web_url"`
	ContactType  string `validate:"required,oneof=qq wechat email"`
	ContactValue string `validate:"required"`
	TargetURL    string `validate:"required,web_url"`
	ImageURL     string `validate:"omitempty,web_url"`
}

// contentTags — собственные теги правил объявления.
var contentTags = map[string]validator.Func{
	"web_url": func(fl validator.FieldLevel) bool {
		return IsWebURL(fl.Field().String())
	},
}

func newValidator(tags map[string]validator.Func) (*validator.Validate, error) {
	v := validator.New()
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("register validation %q: %w", tag, err)
		}
	}
	v.RegisterStructValidation(contactLevel, contentInput{})
	return v, nil
}

// mustValidator паникует, если тег не зарегистрировался.
func mustValidator(v *validator.Validate, err error) *validator.Validate {
	if err != nil {
		panic(err)
	}
	return v
}

// contactLevel проверяет значение контакта по его типу.
func contactLevel(sl validator.StructLevel) {
	in := sl.Current().Interface().(contentInput)
	if in.ContactValue == "" {
		return
	}
	switch in.ContactType {
	case domain.ContactQQ, domain.ContactWechat, domain.ContactEmail:
	default:
		return
	}
	if !ValidContact(in.ContactType, in.ContactValue) {
		sl.ReportError(in.ContactValue, "ContactValue", "contact_value", "contact_"+in.ContactType, "")
	}
}

// IsWebURL принимает только http/https адреса с хостом.
func IsWebURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ValidContact проверяет контакт: qq, wechat или email.
func ValidContact(kind, value string) bool {
	switch kind {
	case domain.ContactQQ:
		return qqPattern.MatchString(value)
	case domain.ContactWechat:
		return wechatPattern.MatchString(value)
	case domain.ContactEmail:
		return emailCheck.Var(value, "email") == nil
	default:
		return false
	}
}

// Normalize обрезает пробелы во всех текстовых полях.
func Normalize(c domain.UnitContent) domain.UnitContent {
	c.CustomerName = strings.TrimSpace(c.CustomerName)
	c.WebsiteName = strings.TrimSpace(c.WebsiteName)
	c.WebsiteURL = strings.TrimSpace(c.WebsiteURL)
	c.ContactType = strings.ToLower(strings.TrimSpace(c.ContactType))
	c.ContactValue = strings.TrimSpace(c.ContactValue)
	c.ColorKey = strings.TrimSpace(c.ColorKey)
	c.ImageURL = strings.TrimSpace(c.ImageURL)
	c.TextContent = strings.TrimSpace(c.TextContent)
	c.TargetURL = strings.TrimSpace(c.TargetURL)
	return c
}

// Content проверяет объявление против конфигурации места. Все найденные
// нарушения возвращаются вместе; каждое разворачивается в domain.ErrValidation.
func Content(slot domain.Slot, c domain.UnitContent) error {
	var errs []error

	in := contentInput{
		CustomerName: c.CustomerName,
		WebsiteName:  c.WebsiteName,
		WebsiteURL:   c.WebsiteURL,
		ContactType:  c.ContactType,
		ContactValue: c.ContactValue,
		TargetURL:    c.TargetURL,
		ImageURL:     c.ImageURL,
	}
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate content: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, domain.NewValidationError(fieldName(fe.Field()), reason(fe)))
		}
	}

	switch slot.Type {
	case domain.SlotTypeText:
		r := slot.EffectiveTextLength()
		n := utf8.RuneCountInString(c.TextContent)
		switch {
		case n == 0:
			errs = append(errs, domain.NewValidationError("text_content", "is required"))
		case n < r.Min:
			errs = append(errs, domain.NewValidationError("text_content", fmt.Sprintf("must be at least %d characters", r.Min)))
		case n > r.Max:
			errs = append(errs, domain.NewValidationError("text_content", fmt.Sprintf("must be at most %d characters", r.Max)))
		}
		if c.ColorKey != "" && c.ColorKey != domain.ColorDefault {
			if _, ok := slot.FindColor(c.ColorKey); !ok {
				errs = append(errs, domain.NewValidationError("color_key", fmt.Sprintf("unknown color %q", c.ColorKey)))
			}
		}
	default:
		if c.ImageURL == "" {
			errs = append(errs, domain.NewValidationError("image_url", "is required"))
		}
	}

	return errors.Join(errs...)
}

// Duration проверяет длительность покупки.
func Duration(months int) error {
	if err := validate.Var(months, fmt.Sprintf("min=%d,max=%d", domain.MinDurationMonths, domain.MaxDurationMonths)); err != nil {
		return domain.ErrInvalidDuration
	}
	return nil
}

var fieldNames = map[string]string{
	"CustomerName": "customer_name",
	"WebsiteName":  "website_name",
	"WebsiteURL":   "website_url",
	"ContactType":  "contact_type",
	"ContactValue": "contact_value",
	"TargetURL":    "target_url",
	"ImageURL":     "image_url",
}

func fieldName(f string) string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return strings.ToLower(f)
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "web_url":
		return "must be an http or https URL with a host"
	case "contact_qq":
		return "qq number must have at least 5 digits and not start with 0"
	case "contact_wechat":
		return "wechat id must start with a letter and be 6-20 characters"
	case "contact_email":
		return "email is malformed"
	default:
		return "is invalid"
	}
}

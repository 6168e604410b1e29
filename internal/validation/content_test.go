package validation

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

func validContent() domain.UnitContent {
	return domain.UnitContent{
		CustomerName: "Alice",
		WebsiteName:  "Gopher News",
		WebsiteURL:   "https://gopher.example",
		ContactType:  domain.ContactEmail,
		ContactValue: "alice@example.com",
		ImageURL:     "https://cdn.example/banner.png",
		TargetURL:    "https://gopher.example/landing",
	}
}

func imageSlot() domain.Slot {
	return domain.Slot{Type: domain.SlotTypeImage}
}

func textSlot() domain.Slot {
	return domain.Slot{
		Type:         domain.SlotTypeText,
		TextLength:   domain.TextLengthRange{Min: 2, Max: 8},
		ColorOptions: []domain.ColorOption{{Key: "red"}},
	}
}

func TestContentValid(t *testing.T) {
	require.NoError(t, Content(imageSlot(), validContent()))

	c := validContent()
	c.ImageURL = ""
	c.TextContent = "短文字广告"
	c.ColorKey = "red"
	require.NoError(t, Content(textSlot(), c))

	c.ColorKey = domain.ColorDefault
	require.NoError(t, Content(textSlot(), c))
}

func TestContentRejects(t *testing.T) {
	cases := []struct {
		name  string
		slot  domain.Slot
		mut   func(c *domain.UnitContent)
		field string
	}{
		{"short website name", imageSlot(), func(c *domain.UnitContent) { c.WebsiteName = "G" }, "website_name"},
		{"ftp website", imageSlot(), func(c *domain.UnitContent) { c.WebsiteURL = "ftp://gopher.example" }, "website_url"},
		{"missing target", imageSlot(), func(c *domain.UnitContent) { c.TargetURL = "" }, "target_url"},
		{"target without host", imageSlot(), func(c *domain.UnitContent) { c.TargetURL = "https://" }, "target_url"},
		{"bad qq", imageSlot(), func(c *domain.UnitContent) { c.ContactType, c.ContactValue = domain.ContactQQ, "01234" }, "contact_value"},
		{"bad wechat", imageSlot(), func(c *domain.UnitContent) { c.ContactType, c.ContactValue = domain.ContactWechat, "1abcdef" }, "contact_value"},
		{"bad email", imageSlot(), func(c *domain.UnitContent) { c.ContactValue = "not-an-email" }, "contact_value"},
		{"unknown contact", imageSlot(), func(c *domain.UnitContent) { c.ContactType = "telegram" }, "contact_type"},
		{"image missing", imageSlot(), func(c *domain.UnitContent) { c.ImageURL = "" }, "image_url"},
		{"text missing", textSlot(), func(c *domain.UnitContent) { c.TextContent = "" }, "text_content"},
		{"text too long", textSlot(), func(c *domain.UnitContent) { c.TextContent = "123456789" }, "text_content"},
		{"unknown color", textSlot(), func(c *domain.UnitContent) { c.TextContent = "hello"; c.ColorKey = "blue" }, "color_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validContent()
			tc.mut(&c)
			err := Content(tc.slot, c)
			require.Error(t, err)
			require.True(t, errors.Is(err, domain.ErrValidation))

			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			found := false
			for _, e := range unwrapAll(err) {
				if errors.As(e, &verr) && verr.Field == tc.field {
					found = true
				}
			}
			require.True(t, found, "expected error for %s, got %v", tc.field, err)
		})
	}
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func TestValidContact(t *testing.T) {
	require.True(t, ValidContact(domain.ContactQQ, "12345"))
	require.False(t, ValidContact(domain.ContactQQ, "1234"))
	require.True(t, ValidContact(domain.ContactWechat, "gopher_01"))
	require.False(t, ValidContact(domain.ContactWechat, "gop"))
	require.True(t, ValidContact(domain.ContactEmail, "a@b.co"))
	require.False(t, ValidContact("phone", "123"))
}

func TestNormalizeAndDuration(t *testing.T) {
	c := Normalize(domain.UnitContent{WebsiteName: "  Gopher ", ContactType: " QQ "})
	require.Equal(t, "Gopher", c.WebsiteName)
	require.Equal(t, domain.ContactQQ, c.ContactType)

	require.NoError(t, Duration(1))
	require.NoError(t, Duration(120))
	require.ErrorIs(t, Duration(0), domain.ErrInvalidDuration)
	require.ErrorIs(t, Duration(121), domain.ErrInvalidDuration)
}

func TestNewValidatorRegistration(t *testing.T) {
	v, err := newValidator(contentTags)
	require.NoError(t, err)
	require.Error(t, v.Var("ftp://files.example", "web_url"))
	require.NoError(t, v.Var("https://gopher.example", "web_url"))

	_, err = newValidator(map[string]validator.Func{"": contentTags["web_url"]})
	require.ErrorContains(t, err, `register validation ""`)
	_, err = newValidator(map[string]validator.Func{"web_url": nil})
	require.ErrorContains(t, err, `register validation "web_url"`)

	require.Panics(t, func() { mustValidator(nil, errors.New("bad tag")) })
}

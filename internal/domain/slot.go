package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SlotType определяет тип содержимого рекламного места.
type SlotType string

const (
	SlotTypeImage SlotType = "image"
	SlotTypeText  SlotType = "text"
)

// DisplayMode определяет способ вывода позиций.
type DisplayMode string

const (
	DisplayModeGrid     DisplayMode = "grid"
	DisplayModeCarousel DisplayMode = "carousel"
)

// DeviceVisibility ограничивает показ места по типу устройства.
type DeviceVisibility string

const (
	DeviceAll     DeviceVisibility = "all"
	DeviceDesktop DeviceVisibility = "desktop"
	DeviceMobile  DeviceVisibility = "mobile"
)

// PositionDiffDirection задаёт знак надбавки за позицию в карусели.
type PositionDiffDirection string

const (
	PositionDiffIncrement PositionDiffDirection = "increment"
	PositionDiffDecrement PositionDiffDirection = "decrement"
)

// MaxSlotCapacity ограничивает число позиций одного места.
const MaxSlotCapacity = 100

// Ключ цвета без надбавки.
const ColorDefault = "default"

// Layout описывает сетку или карусель.
type Layout struct {
	Rows          int `json:"rows"`
	PerRow        int `json:"per_row"`
	CarouselCount int `json:"carousel_count"`
}

// PricingPackage — фиксированная цена за длительность в месяцах.
type PricingPackage struct {
	Months int             `json:"months"`
	Price  decimal.Decimal `json:"price"`
}

// ColorOption — допустимый цвет текста и его надбавка.
type ColorOption struct {
	Key   string          `json:"key"`
	Label string          `json:"label"`
	Price decimal.Decimal `json:"price"`
}

// TextLengthRange задаёт допустимую длину текстового объявления.
type TextLengthRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// AspectRatio задаёт пропорции изображения.
type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PositionPriceDiff — надбавка за позицию в карусели: amount × position × months.
type PositionPriceDiff struct {
	Enabled   bool                  `json:"enabled"`
	Direction PositionDiffDirection `json:"direction"`
	Amount    decimal.Decimal       `json:"amount"`
}

// Slot описывает продаваемое рекламное место.
type Slot struct {
	ID              int64             `json:"id"`
	Title           string            `json:"title"`
	Type            SlotType          `json:"type"`
	DisplayMode     DisplayMode       `json:"display_mode"`
	Device          DeviceVisibility  `json:"device"`
	Enabled         bool              `json:"enabled"`
	Layout          Layout            `json:"layout"`
	SingleMonthRate decimal.Decimal   `json:"single_month_rate"`
	Packages        []PricingPackage  `json:"packages,omitempty"`
	ColorOptions    []ColorOption     `json:"color_options,omitempty"`
	TextLength      TextLengthRange   `json:"text_length"`
	ImageAspect     AspectRatio       `json:"image_aspect"`
	PositionDiff    PositionPriceDiff `json:"position_diff"`
	PaymentMethods  []string          `json:"payment_methods,omitempty"`
	SortOrder       int               `json:"sort_order"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Capacity возвращает число позиций, которое должно существовать у места.
func (s Slot) Capacity() int {
	if s.DisplayMode == DisplayModeCarousel {
		return s.Layout.CarouselCount
	}
	return s.Layout.Rows * s.Layout.PerRow
}

// ValidPosition проверяет, что ключ позиции попадает в ёмкость.
func (s Slot) ValidPosition(key int) bool {
	return key >= 0 && key < s.Capacity()
}

// IsCarousel сообщает, что место выводится каруселью.
func (s Slot) IsCarousel() bool {
	return s.DisplayMode == DisplayModeCarousel
}

// PaymentMethodAllowed проверяет способ оплаты по списку места.
// Пустой список ничего не ограничивает.
func (s Slot) PaymentMethodAllowed(method string) bool {
	if len(s.PaymentMethods) == 0 {
		return true
	}
	for _, m := range s.PaymentMethods {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

// FindPackage ищет пакет по длительности.
func (s Slot) FindPackage(months int) (PricingPackage, bool) {
	for _, p := range s.Packages {
		if p.Months == months {
			return p, true
		}
	}
	return PricingPackage{}, false
}

// FindColor ищет цвет по ключу.
func (s Slot) FindColor(key string) (ColorOption, bool) {
	for _, c := range s.ColorOptions {
		if c.Key == key {
			return c, true
		}
	}
	return ColorOption{}, false
}

// EffectiveTextLength подставляет диапазон по умолчанию 2..100.
func (s Slot) EffectiveTextLength() TextLengthRange {
	r := s.TextLength
	if r.Min <= 0 {
		r.Min = 2
	}
	if r.Max <= 0 {
		r.Max = 100
	}
	return r
}

// Normalize заполняет значения по умолчанию для незаданных полей.
func (s *Slot) Normalize() {
	s.Title = strings.TrimSpace(s.Title)
	if s.Type == "" {
		s.Type = SlotTypeImage
	}
	if s.DisplayMode == "" {
		s.DisplayMode = DisplayModeGrid
	}
	if s.Device == "" {
		s.Device = DeviceAll
	}
	if s.ImageAspect.Width == 0 && s.ImageAspect.Height == 0 {
		s.ImageAspect = AspectRatio{Width: 8, Height: 1}
	}
	if s.PositionDiff.Direction == "" {
		s.PositionDiff.Direction = PositionDiffDecrement
	}
}

// Validate проверяет конфигурацию места и возвращает список замечаний.
func (s *Slot) Validate() []error {
	var errs []error

	if s.Title == "" {
		errs = append(errs, NewValidationError("title", "is required"))
	}
	switch s.Type {
	case SlotTypeImage, SlotTypeText:
	default:
		errs = append(errs, NewValidationError("type", fmt.Sprintf("unsupported slot type %q", s.Type)))
	}
	switch s.DisplayMode {
	case DisplayModeGrid, DisplayModeCarousel:
	default:
		errs = append(errs, NewValidationError("display_mode", fmt.Sprintf("unsupported display mode %q", s.DisplayMode)))
	}
	switch s.Device {
	case DeviceAll, DeviceDesktop, DeviceMobile:
	default:
		errs = append(errs, NewValidationError("device", fmt.Sprintf("unsupported device %q", s.Device)))
	}
	if c := s.Capacity(); c < 1 || c > MaxSlotCapacity {
		errs = append(errs, NewValidationError("layout", fmt.Sprintf("capacity must be between 1 and %d", MaxSlotCapacity)))
	}
	if s.SingleMonthRate.IsNegative() {
		errs = append(errs, NewValidationError("single_month_rate", "must be non-negative"))
	}

	seen := make(map[int]struct{}, len(s.Packages))
	for i, p := range s.Packages {
		if p.Months < MinDurationMonths || p.Months > MaxDurationMonths {
			errs = append(errs, NewValidationError(fmt.Sprintf("packages[%d].months", i), "must be between 1 and 120"))
		}
		if p.Price.IsNegative() {
			errs = append(errs, NewValidationError(fmt.Sprintf("packages[%d].price", i), "must be non-negative"))
		}
		if _, dup := seen[p.Months]; dup {
			errs = append(errs, NewValidationError(fmt.Sprintf("packages[%d].months", i), "duplicate duration"))
		}
		seen[p.Months] = struct{}{}
	}
	for i, c := range s.ColorOptions {
		if strings.TrimSpace(c.Key) == "" {
			errs = append(errs, NewValidationError(fmt.Sprintf("color_options[%d].key", i), "is required"))
		}
		if c.Price.IsNegative() {
			errs = append(errs, NewValidationError(fmt.Sprintf("color_options[%d].price", i), "must be non-negative"))
		}
	}
	if s.TextLength.Min > 0 && s.TextLength.Max > 0 && s.TextLength.Min > s.TextLength.Max {
		errs = append(errs, NewValidationError("text_length", "min must not exceed max"))
	}
	switch s.PositionDiff.Direction {
	case PositionDiffIncrement, PositionDiffDecrement:
	default:
		errs = append(errs, NewValidationError("position_diff.direction", "must be increment or decrement"))
	}

	return errs
}

// PublicSlot — представление места для покупателя без служебных полей.
type PublicSlot struct {
	ID           int64            `json:"id"`
	Title        string           `json:"title"`
	Type         SlotType         `json:"type"`
	DisplayMode  DisplayMode      `json:"display_mode"`
	Device       DeviceVisibility `json:"device"`
	Capacity     int              `json:"capacity"`
	MonthlyRate  decimal.Decimal  `json:"monthly_rate"`
	Packages     []PricingPackage `json:"packages,omitempty"`
	ColorOptions []ColorOption    `json:"color_options,omitempty"`
	TextLength   TextLengthRange  `json:"text_length"`
	ImageAspect  AspectRatio      `json:"image_aspect"`
}

// Public возвращает представление места для покупателя.
func (s Slot) Public() PublicSlot {
	return PublicSlot{
		ID:           s.ID,
		Title:        s.Title,
		Type:         s.Type,
		DisplayMode:  s.DisplayMode,
		Device:       s.Device,
		Capacity:     s.Capacity(),
		MonthlyRate:  s.SingleMonthRate,
		Packages:     s.Packages,
		ColorOptions: s.ColorOptions,
		TextLength:   s.EffectiveTextLength(),
		ImageAspect:  s.ImageAspect,
	}
}

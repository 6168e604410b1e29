package domain

import (
	"context"
	"strings"
	"time"
)

// Способы оплаты, которые знает провайдер.
const (
	PaymentMethodBalance = "balance"
	PaymentMethodAlipay  = "alipay"
	PaymentMethodWechat  = "wechat"
)

// Settings хранит глобальные настройки продаж.
type Settings struct {
	OrderTimeoutMinutes      int      `json:"order_timeout_minutes"`
	ReconcileGraceMinutes    int      `json:"reconcile_grace_minutes"`
	AllowGuestPurchase       bool     `json:"allow_guest_purchase"`
	GlobalPausePurchase      bool     `json:"global_pause_purchase"`
	AllowBalancePayment      bool     `json:"allow_balance_payment"`
	EnableExpiryNotification bool     `json:"enable_expiry_notification"`
	ExpiryNoticeDays         int      `json:"expiry_notice_days"`
	PaymentMethods           []string `json:"payment_methods"`
	DenyListCap              int      `json:"deny_list_cap"`
}

// DefaultSettings возвращает значения по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		OrderTimeoutMinutes:      30,
		ReconcileGraceMinutes:    10,
		AllowGuestPurchase:       true,
		GlobalPausePurchase:      false,
		AllowBalancePayment:      true,
		EnableExpiryNotification: true,
		ExpiryNoticeDays:         7,
		PaymentMethods:           []string{PaymentMethodBalance, PaymentMethodAlipay, PaymentMethodWechat},
		DenyListCap:              1000,
	}
}

// Normalize заменяет некорректные числовые значения на значения по умолчанию.
func (s Settings) Normalize() Settings {
	def := DefaultSettings()
	if s.OrderTimeoutMinutes <= 0 {
		s.OrderTimeoutMinutes = def.OrderTimeoutMinutes
	}
	if s.ReconcileGraceMinutes < 0 {
		s.ReconcileGraceMinutes = def.ReconcileGraceMinutes
	}
	if s.ExpiryNoticeDays <= 0 {
		s.ExpiryNoticeDays = def.ExpiryNoticeDays
	}
	if s.DenyListCap <= 0 {
		s.DenyListCap = def.DenyListCap
	}
	methods := make([]string, 0, len(s.PaymentMethods))
	seen := make(map[string]struct{}, len(s.PaymentMethods))
	for _, m := range s.PaymentMethods {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		methods = def.PaymentMethods
	}
	s.PaymentMethods = methods
	return s
}

// OrderTimeout возвращает время удержания позиции в pending.
func (s Settings) OrderTimeout() time.Duration {
	return time.Duration(s.OrderTimeoutMinutes) * time.Minute
}

// StaleOrderAfter — возраст pending-записи журнала, после которого она закрывается по таймауту.
func (s Settings) StaleOrderAfter() time.Duration {
	return time.Duration(s.OrderTimeoutMinutes+s.ReconcileGraceMinutes) * time.Minute
}

// ExpiryNoticeWindow возвращает, за сколько до окончания отправлять уведомление.
func (s Settings) ExpiryNoticeWindow() time.Duration {
	return time.Duration(s.ExpiryNoticeDays) * 24 * time.Hour
}

// PaymentMethodAllowed проверяет способ оплаты по глобальному списку.
func (s Settings) PaymentMethodAllowed(method string) bool {
	for _, m := range s.PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}

// SettingsRepository хранит настройки. Отсутствующие значения заменяются
// значениями по умолчанию.
type SettingsRepository interface {
	Get(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

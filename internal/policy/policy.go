// Package policy отвечает за аутентификацию и проверку прав на операции.
package policy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// ErrSecretRequired возвращается при пустом JWT-секрете.
var ErrSecretRequired = errors.New("jwt secret is required")

// buyerActions доступны гостям и покупателям.
var buyerActions = map[domain.Action]struct{}{
	domain.ActionQuote:         {},
	domain.ActionReserve:       {},
	domain.ActionPaymentIntent: {},
	domain.ActionSlotRead:      {},
}

// RolePolicy проверяет доступ по роли субъекта.
type RolePolicy struct{}

// NewRolePolicy создаёт RolePolicy.
func NewRolePolicy() *RolePolicy {
	return &RolePolicy{}
}

// Authorize реализует domain.Policy.
func (p *RolePolicy) Authorize(_ context.Context, principal domain.Principal, action domain.Action) domain.Decision {
	if _, ok := buyerActions[action]; ok {
		return domain.Allow()
	}
	if principal.IsAdmin() {
		return domain.Allow()
	}
	if principal.IsGuest() {
		return domain.Decision{Unauthenticated: true, Reason: fmt.Sprintf("%s requires authentication", action)}
	}
	return domain.Deny(fmt.Sprintf("%s requires admin role", action))
}

var _ domain.Policy = (*RolePolicy)(nil)

// Claims — полезная нагрузка JWT: sub = id пользователя, role = роль.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator превращает bearer-токены в субъектов.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator создаёт Authenticator с HS256-секретом.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretRequired
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// FromHeader разбирает заголовок Authorization. Без заголовка возвращается гость.
func (a *Authenticator) FromHeader(header string) (domain.Principal, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.Guest(), nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return domain.Principal{}, fmt.Errorf("%w: bearer token expected", domain.ErrUnauthenticated)
	}
	return a.Parse(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

// Parse проверяет подпись и срок токена.
func (a *Authenticator) Parse(raw string) (domain.Principal, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return domain.Principal{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return domain.Principal{}, fmt.Errorf("%w: invalid subject", domain.ErrUnauthenticated)
	}

	role := domain.Role(claims.Role)
	switch role {
	case domain.RoleBuyer, domain.RoleAdmin:
	default:
		role = domain.RoleBuyer
	}
	return domain.Principal{UserID: userID, Role: role}, nil
}

// Issue подписывает токен для субъекта. Используется утилитами и тестами.
func (a *Authenticator) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// WebhookSecretValid сравнивает секрет провайдера за постоянное время.
func WebhookSecretValid(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

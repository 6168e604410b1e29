// Package token выпускает и проверяет подписанные токены резервации.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// Префикс идентификатора токена.
const TokenPrefix = "adslot"

// StoreGrace добавляется к таймауту заказа при хранении токена.
const StoreGrace = 5 * time.Minute

// ErrSecretRequired возвращается при пустом секрете установки.
var ErrSecretRequired = errors.New("token secret is required")

// Signer подписывает токены секретом установки.
type Signer struct {
	secret []byte
}

// NewSigner создаёт Signer.
func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretRequired
	}
	return &Signer{secret: []byte(secret)}, nil
}

// NewTokenID возвращает идентификатор вида adslot_<position>_<unix>_<rand8>.
func NewTokenID(position int, now time.Time) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%d_%s", TokenPrefix, position, now.Unix(), nonce)
}

// Canonical возвращает сериализацию, которую покрывает подпись.
func Canonical(c domain.ReservationClaims) ([]byte, error) {
	c.Signature = ""
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal claims: %w", err)
	}
	return payload, nil
}

// Sign возвращает копию claims с заполненной подписью.
func (s *Signer) Sign(c domain.ReservationClaims) (domain.ReservationClaims, error) {
	mac, err := s.mac(c)
	if err != nil {
		return domain.ReservationClaims{}, err
	}
	c.Signature = hex.EncodeToString(mac)
	return c, nil
}

// Verify сравнивает подпись за постоянное время.
func (s *Signer) Verify(c domain.ReservationClaims) error {
	got, err := hex.DecodeString(c.Signature)
	if err != nil || len(got) == 0 {
		return domain.ErrSignatureInvalid
	}
	want, err := s.mac(c)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func (s *Signer) mac(c domain.ReservationClaims) ([]byte, error) {
	payload, err := Canonical(c)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return h.Sum(nil), nil
}

// StoreTTL возвращает, сколько хранить токен для таймаута заказа.
func StoreTTL(orderTimeout time.Duration) time.Duration {
	return orderTimeout + StoreGrace
}

package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const (
	defaultPrefix = "adslots"
	opTimeout     = 2 * time.Second
)

// Options описывает подключение к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store хранит токены резерваций, метки уведомлений и отметки троттлинга в Redis.
// TTL ключей задаёт сам Redis, поэтому состояние общее для всех экземпляров сервиса.
type Store struct {
	client *redis.Client
	prefix string
}

// Open создаёт клиента и проверяет соединение.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts.Prefix), nil
}

// New оборачивает готового клиента.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Client возвращает нижележащего клиента (для health-проверок).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping проверяет доступность Redis.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close закрывает соединения.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

// Put сохраняет токен резервации на ttl.
func (s *Store) Put(ctx context.Context, claims domain.ReservationClaims, ttl time.Duration) error {
	payload, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.key("reservation", claims.TokenID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store reservation: %w", err)
	}
	return nil
}

// Get возвращает ErrReservationNotFound, если ключа нет или он истёк.
func (s *Store) Get(ctx context.Context, tokenID string) (domain.ReservationClaims, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := s.client.Get(ctx, s.key("reservation", tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ReservationClaims{}, domain.ErrReservationNotFound
		}
		return domain.ReservationClaims{}, fmt.Errorf("load reservation: %w", err)
	}

	var claims domain.ReservationClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return domain.ReservationClaims{}, fmt.Errorf("decode reservation: %w", err)
	}
	return claims, nil
}

func (s *Store) Delete(ctx context.Context, tokenID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key("reservation", tokenID)).Err(); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

// MarkOnce ставит метку через SET NX и возвращает true, если метку поставил этот вызов.
func (s *Store) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.setNX(ctx, s.key("marker", key), ttl)
}

// Allow пропускает первый вызов за interval на все экземпляры сервиса.
func (s *Store) Allow(ctx context.Context, key string, interval time.Duration) (bool, error) {
	return s.setNX(ctx, s.key("throttle", key), interval)
}

func (s *Store) setNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set %s: %w", key, err)
	}
	return ok, nil
}

var (
	_ domain.ReservationStore = (*Store)(nil)
	_ domain.NoticeMarkers    = (*Store)(nil)
	_ domain.Throttle         = (*Store)(nil)
)

package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const (
	idempotencyKeyHeader = "idempotency-key"
	adminCallTTL         = 24 * time.Hour
)

// rejection — сохранённая ошибка вызова.
type rejection struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// runOnce выполняет изменяющий вызов не более одного раза на ключ
// администратора. Повтор получает сохранённый ответ или сохранённую ошибку,
// повтор во время выполнения получает Aborted.
func runOnce[T any](
	s *AdminServer,
	ctx context.Context,
	method string,
	req any,
	handler func(context.Context, domain.Principal) (*T, error),
) (*T, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	// Анонимный вызов отклонит сама политика доступа, кэшировать нечего.
	if s.idemRepo == nil || p.UserID <= 0 {
		return handler(ctx, p)
	}

	key, err := callKey(ctx)
	if err != nil {
		return nil, err
	}
	hash, err := requestHash(method, req)
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Warn("hash admin request failed")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	record, err := s.idemRepo.Claim(ctx, domain.AdminCallClaim{
		AdminID:     p.UserID,
		Key:         key,
		Method:      method,
		RequestHash: hash,
		ExpiresAt:   time.Now().UTC().Add(adminCallTTL),
	})
	if err != nil {
		return replay[T](s, err, record)
	}

	// Ответ сохраняем, даже если клиент уже отключился.
	finishCtx := context.WithoutCancel(ctx)
	entry := s.logger.WithFields(log.Fields{"admin_id": p.UserID, "method": method, "key": key})

	resp, runErr := handler(ctx, p)
	outcome, encErr := encodeOutcome(resp, runErr)
	if encErr != nil {
		entry.WithError(encErr).Warn("encode admin call outcome failed")
	}
	if err := s.idemRepo.Finish(finishCtx, p.UserID, key, outcome); err != nil {
		entry.WithError(err).Warn("store admin call outcome failed")
	}
	return resp, runErr
}

func encodeOutcome(resp any, runErr error) (domain.AdminCallOutcome, error) {
	if runErr == nil {
		body, err := json.Marshal(resp)
		return domain.AdminCallOutcome{State: domain.AdminCallSucceeded, Body: body, Code: int(codes.OK)}, err
	}

	st := status.Convert(runErr)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}
	outcome := domain.AdminCallOutcome{State: domain.AdminCallRejected, Code: int(code)}
	body, err := json.Marshal(rejection{
		Code:    int32(code), //nolint:gosec // codes.Code is a bounded enum value.
		Message: st.Message(),
	})
	if err == nil {
		outcome.Body = body
	}
	return outcome, err
}

func replay[T any](s *AdminServer, claimErr error, record domain.AdminCallRecord) (*T, error) {
	if errors.Is(claimErr, domain.ErrIdempotencyHashMismatch) {
		return nil, status.Errorf(codes.AlreadyExists, "idempotency key was used for another %s request", record.Method)
	}
	if !errors.Is(claimErr, domain.ErrIdempotencyKeyAlreadyExists) {
		s.logger.WithError(claimErr).Warn("claim admin call failed")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	switch record.State {
	case domain.AdminCallInFlight:
		return nil, status.Error(codes.Aborted, "request with the same idempotency key is already processing")
	case domain.AdminCallRejected:
		return nil, replayedRejection(record)
	case domain.AdminCallSucceeded:
		resp := new(T)
		if len(record.Body) == 0 || json.Unmarshal(record.Body, resp) != nil {
			s.logger.WithField("key", record.Key).Warn("stored admin call response is unreadable")
			return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
		}
		return resp, nil
	default:
		return nil, status.Error(codes.Internal, "unknown idempotency record state")
	}
}

// replayedRejection восстанавливает ошибку: сначала из тела, затем из кода.
func replayedRejection(record domain.AdminCallRecord) error {
	const fallback = "previous request with the same idempotency key failed"

	var stored rejection
	if len(record.Body) > 0 && json.Unmarshal(record.Body, &stored) == nil {
		if code, ok := grpcCode(int64(stored.Code)); ok && code != codes.OK {
			if stored.Message == "" {
				stored.Message = fallback
			}
			return status.Error(code, stored.Message)
		}
	}
	if code, ok := grpcCode(int64(record.Code)); ok && code != codes.OK {
		return status.Error(code, fallback)
	}
	return status.Error(codes.Internal, fallback)
}

func grpcCode(value int64) (codes.Code, bool) {
	if value < int64(codes.OK) || value > int64(codes.Unauthenticated) {
		return codes.Internal, false
	}
	return codes.Code(uint32(value)), true
}

func callKey(ctx context.Context) (string, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(idempotencyKeyHeader); len(values) > 0 {
			if key := strings.TrimSpace(values[0]); key != "" {
				return key, nil
			}
		}
	}
	return "", status.Error(codes.InvalidArgument, "idempotency-key metadata is required")
}

// requestHash — sha256 от имени метода и JSON запроса. encoding/json
// сортирует ключи map, поэтому хэш стабилен.
func requestHash(method string, req any) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(method+":"), data...))
	return hex.EncodeToString(sum[:]), nil
}

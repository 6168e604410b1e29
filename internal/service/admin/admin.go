// Package admin собирает операции администратора поверх сервисов домена:
// проверка прав, затем вызов registry, ledger, allocator или воркеров.
package admin

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
	"github.com/vladislavdragonenkov/adslots/internal/service/expiry"
	"github.com/vladislavdragonenkov/adslots/internal/service/ledger"
	"github.com/vladislavdragonenkov/adslots/internal/service/reconcile"
	"github.com/vladislavdragonenkov/adslots/internal/service/registry"
)

const nudgeTimeout = 2 * time.Minute

// Deps — зависимости админского фасада.
type Deps struct {
	Policy    domain.Policy
	Registry  *registry.Registry
	Alloc     *allocator.Allocator
	Ledger    *ledger.Ledger
	Reconcile *reconcile.Worker
	Expiry    *expiry.Runner
	Settings  domain.SettingsRepository
	Logger    *log.Entry
}

// Service выполняет операции администратора.
type Service struct {
	policy    domain.Policy
	registry  *registry.Registry
	alloc     *allocator.Allocator
	ledger    *ledger.Ledger
	reconcile *reconcile.Worker
	expiry    *expiry.Runner
	settings  domain.SettingsRepository
	logger    *log.Entry
}

// New создаёт Service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "admin")
	}
	return &Service{
		policy:    deps.Policy,
		registry:  deps.Registry,
		alloc:     deps.Alloc,
		ledger:    deps.Ledger,
		reconcile: deps.Reconcile,
		expiry:    deps.Expiry,
		settings:  deps.Settings,
		logger:    logger,
	}
}

func (s *Service) authorize(ctx context.Context, principal domain.Principal, action domain.Action) error {
	if err := s.policy.Authorize(ctx, principal, action).Err(); err != nil {
		s.logger.WithFields(log.Fields{
			"user_id": principal.UserID,
			"action":  action,
		}).Warn("admin action denied")
		return err
	}
	s.Nudge(ctx, principal)
	return nil
}

// Nudge запускает сверку в фоне, если запрос пришёл от администратора.
// Частоту ограничивает throttle воркера.
func (s *Service) Nudge(ctx context.Context, principal domain.Principal) {
	if s.reconcile == nil || !principal.IsAdmin() {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nudgeTimeout)
		defer cancel()
		if _, _, err := s.reconcile.Nudge(nctx); err != nil {
			s.logger.WithError(err).Warn("reconcile nudge failed")
		}
	}()
}

func (s *Service) CreateSlot(ctx context.Context, principal domain.Principal, slot domain.Slot) (domain.Slot, error) {
	if err := s.authorize(ctx, principal, domain.ActionSlotWrite); err != nil {
		return domain.Slot{}, err
	}
	return s.registry.Create(ctx, slot)
}

func (s *Service) UpdateSlot(ctx context.Context, principal domain.Principal, slot domain.Slot) (domain.Slot, registry.ResizeReport, error) {
	if err := s.authorize(ctx, principal, domain.ActionSlotWrite); err != nil {
		return domain.Slot{}, registry.ResizeReport{}, err
	}
	return s.registry.Update(ctx, slot)
}

func (s *Service) GetSlot(ctx context.Context, principal domain.Principal, id int64) (domain.Slot, error) {
	if err := s.authorize(ctx, principal, domain.ActionSlotAdminRead); err != nil {
		return domain.Slot{}, err
	}
	return s.registry.Get(ctx, id)
}

func (s *Service) ListSlots(ctx context.Context, principal domain.Principal, enabledOnly bool) ([]domain.Slot, error) {
	if err := s.authorize(ctx, principal, domain.ActionSlotAdminRead); err != nil {
		return nil, err
	}
	return s.registry.List(ctx, enabledOnly)
}

func (s *Service) DeleteSlot(ctx context.Context, principal domain.Principal, id int64) error {
	if err := s.authorize(ctx, principal, domain.ActionSlotWrite); err != nil {
		return err
	}
	return s.registry.Delete(ctx, id)
}

// ListUnits возвращает полное состояние позиций места, включая содержимое и ссылки заказов.
func (s *Service) ListUnits(ctx context.Context, principal domain.Principal, slotID int64) ([]domain.Unit, error) {
	if err := s.authorize(ctx, principal, domain.ActionSlotAdminRead); err != nil {
		return nil, err
	}
	return s.registry.Units(ctx, slotID)
}

func (s *Service) UnitTimeline(ctx context.Context, principal domain.Principal, unitID int64) ([]domain.UnitEvent, error) {
	if err := s.authorize(ctx, principal, domain.ActionSlotAdminRead); err != nil {
		return nil, err
	}
	return s.alloc.Timeline(ctx, unitID)
}

// ConfirmPaid вручную подтверждает оплату позиции.
func (s *Service) ConfirmPaid(ctx context.Context, principal domain.Principal, unitID int64, req allocator.ConfirmRequest) (domain.Unit, bool, error) {
	if err := s.authorize(ctx, principal, domain.ActionConfirm); err != nil {
		return domain.Unit{}, false, err
	}
	if req.OrderRef == "" {
		return domain.Unit{}, false, domain.ErrExternalRefRequired
	}
	return s.alloc.ConfirmPaid(ctx, unitID, req)
}

func (s *Service) ReleaseUnit(ctx context.Context, principal domain.Principal, unitID int64, clear bool) (domain.Unit, error) {
	if err := s.authorize(ctx, principal, domain.ActionRelease); err != nil {
		return domain.Unit{}, err
	}
	s.logger.WithFields(log.Fields{"unit_id": unitID, "clear": clear, "user_id": principal.UserID}).Info("manual unit release")
	return s.alloc.Release(ctx, unitID, clear)
}

func (s *Service) QueryOrders(ctx context.Context, principal domain.Principal, filter domain.OrderFilter) (domain.OrderPage, error) {
	if err := s.authorize(ctx, principal, domain.ActionOrderRead); err != nil {
		return domain.OrderPage{}, err
	}
	return s.ledger.Query(ctx, filter)
}

func (s *Service) GetOrder(ctx context.Context, principal domain.Principal, id int64) (domain.OrderView, error) {
	if err := s.authorize(ctx, principal, domain.ActionOrderRead); err != nil {
		return domain.OrderView{}, err
	}
	return s.ledger.Get(ctx, id)
}

func (s *Service) CountOrders(ctx context.Context, principal domain.Principal, filter domain.OrderFilter) (domain.StatusCounts, error) {
	if err := s.authorize(ctx, principal, domain.ActionOrderRead); err != nil {
		return nil, err
	}
	return s.ledger.CountByStatus(ctx, filter)
}

func (s *Service) DeleteOrder(ctx context.Context, principal domain.Principal, id int64) (domain.Order, error) {
	if err := s.authorize(ctx, principal, domain.ActionOrderDelete); err != nil {
		return domain.Order{}, err
	}
	return s.ledger.Delete(ctx, id)
}

func (s *Service) TakedownOrder(ctx context.Context, principal domain.Principal, id int64) (domain.Order, error) {
	if err := s.authorize(ctx, principal, domain.ActionOrderTakedown); err != nil {
		return domain.Order{}, err
	}
	return s.ledger.MarkRefundedOrTakedown(ctx, id, domain.OrderStatusTakedown)
}

// RunReconcile выполняет сверку синхронно. При limit <= 0 берётся лимит воркера.
func (s *Service) RunReconcile(ctx context.Context, principal domain.Principal, limit int) (reconcile.Report, error) {
	if err := s.policy.Authorize(ctx, principal, domain.ActionReconcile).Err(); err != nil {
		return reconcile.Report{}, err
	}
	if s.reconcile == nil {
		return reconcile.Report{}, fmt.Errorf("reconcile worker is not configured")
	}
	return s.reconcile.ProcessOnce(ctx, limit)
}

func (s *Service) RunExpirySweep(ctx context.Context, principal domain.Principal) (expiry.Report, error) {
	if err := s.authorize(ctx, principal, domain.ActionSweep); err != nil {
		return expiry.Report{}, err
	}
	if s.expiry == nil {
		return expiry.Report{}, fmt.Errorf("expiry runner is not configured")
	}
	return s.expiry.SweepOnce(ctx)
}

func (s *Service) GetSettings(ctx context.Context, principal domain.Principal) (domain.Settings, error) {
	if err := s.authorize(ctx, principal, domain.ActionSettingsRead); err != nil {
		return domain.Settings{}, err
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	return settings.Normalize(), nil
}

// UpdateSettings сохраняет нормализованные настройки и возвращает их.
func (s *Service) UpdateSettings(ctx context.Context, principal domain.Principal, settings domain.Settings) (domain.Settings, error) {
	if err := s.authorize(ctx, principal, domain.ActionSettingsWrite); err != nil {
		return domain.Settings{}, err
	}
	settings = settings.Normalize()
	if err := s.settings.Save(ctx, settings); err != nil {
		return domain.Settings{}, err
	}
	s.logger.WithFields(log.Fields{
		"user_id":        principal.UserID,
		"paused":         settings.GlobalPausePurchase,
		"guest_purchase": settings.AllowGuestPurchase,
	}).Info("settings updated")
	return settings, nil
}

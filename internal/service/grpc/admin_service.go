package grpcsvc

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/policy"
	"github.com/vladislavdragonenkov/adslots/internal/service/admin"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
)

// Полное имя gRPC-сервиса.
const ServiceName = "adslots.v1.AdminService"

const authorizationHeader = "authorization"

// AdminServiceServer описывает методы AdminService.
type AdminServiceServer interface {
	CreateSlot(context.Context, *SlotRequest) (*SlotResponse, error)
	UpdateSlot(context.Context, *SlotRequest) (*UpdateSlotResponse, error)
	GetSlot(context.Context, *IDRequest) (*SlotResponse, error)
	ListSlots(context.Context, *ListSlotsRequest) (*ListSlotsResponse, error)
	DeleteSlot(context.Context, *IDRequest) (*DeleteResponse, error)
	ListUnits(context.Context, *IDRequest) (*ListUnitsResponse, error)
	GetUnitTimeline(context.Context, *IDRequest) (*TimelineResponse, error)
	ConfirmPaid(context.Context, *ConfirmPaidRequest) (*UnitResponse, error)
	ReleaseUnit(context.Context, *ReleaseUnitRequest) (*UnitResponse, error)
	QueryOrders(context.Context, *QueryOrdersRequest) (*OrderPageResponse, error)
	CountOrders(context.Context, *QueryOrdersRequest) (*CountOrdersResponse, error)
	DeleteOrder(context.Context, *IDRequest) (*OrderResponse, error)
	TakedownOrder(context.Context, *IDRequest) (*OrderResponse, error)
	RunReconcile(context.Context, *RunReconcileRequest) (*ReconcileResponse, error)
	RunExpirySweep(context.Context, *Empty) (*ExpiryResponse, error)
	GetSettings(context.Context, *Empty) (*SettingsResponse, error)
	UpdateSettings(context.Context, *SettingsRequest) (*SettingsResponse, error)
}

// AdminServer реализует AdminService поверх admin.Service.
type AdminServer struct {
	admin    *admin.Service
	auth     *policy.Authenticator
	idemRepo domain.IdempotencyRepository
	logger   *log.Entry
}

// NewAdminServer конструирует сервер. idemRepo nil отключает идемпотентность.
func NewAdminServer(svc *admin.Service, auth *policy.Authenticator, idemRepo domain.IdempotencyRepository, logger *log.Entry) *AdminServer {
	if logger == nil {
		logger = log.WithField("component", "admin-grpc")
	}
	return &AdminServer{admin: svc, auth: auth, idemRepo: idemRepo, logger: logger}
}

// RegisterAdminServiceServer регистрирует сервис на gRPC-сервере.
func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// principal читает bearer-токен из metadata authorization.
func (s *AdminServer) principal(ctx context.Context) (domain.Principal, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(authorizationHeader); len(values) > 0 {
			header = values[0]
		}
	}
	if s.auth == nil {
		return domain.Guest(), nil
	}
	p, err := s.auth.FromHeader(header)
	if err != nil {
		return domain.Principal{}, toStatus(err)
	}
	return p, nil
}

func (s *AdminServer) CreateSlot(ctx context.Context, req *SlotRequest) (*SlotResponse, error) {
	return runOnce(s, ctx, methodCreateSlot, req, func(ctx context.Context, p domain.Principal) (*SlotResponse, error) {
		slot, err := s.admin.CreateSlot(ctx, p, req.Slot)
		if err != nil {
			return nil, s.fail(err, methodCreateSlot)
		}
		return &SlotResponse{Slot: slot}, nil
	})
}

func (s *AdminServer) UpdateSlot(ctx context.Context, req *SlotRequest) (*UpdateSlotResponse, error) {
	if req.Slot.ID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "slot.id is required")
	}
	return runOnce(s, ctx, methodUpdateSlot, req, func(ctx context.Context, p domain.Principal) (*UpdateSlotResponse, error) {
		slot, report, err := s.admin.UpdateSlot(ctx, p, req.Slot)
		if err != nil {
			return nil, s.fail(err, methodUpdateSlot)
		}
		return &UpdateSlotResponse{Slot: slot, Resize: report}, nil
	})
}

func (s *AdminServer) GetSlot(ctx context.Context, req *IDRequest) (*SlotResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	slot, err := s.admin.GetSlot(ctx, p, req.ID)
	if err != nil {
		return nil, s.fail(err, methodGetSlot)
	}
	return &SlotResponse{Slot: slot}, nil
}

func (s *AdminServer) ListSlots(ctx context.Context, req *ListSlotsRequest) (*ListSlotsResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	slots, err := s.admin.ListSlots(ctx, p, req.EnabledOnly)
	if err != nil {
		return nil, s.fail(err, methodListSlots)
	}
	return &ListSlotsResponse{Slots: slots}, nil
}

func (s *AdminServer) DeleteSlot(ctx context.Context, req *IDRequest) (*DeleteResponse, error) {
	return runOnce(s, ctx, methodDeleteSlot, req, func(ctx context.Context, p domain.Principal) (*DeleteResponse, error) {
		if err := s.admin.DeleteSlot(ctx, p, req.ID); err != nil {
			return nil, s.fail(err, methodDeleteSlot)
		}
		return &DeleteResponse{Deleted: true}, nil
	})
}

func (s *AdminServer) ListUnits(ctx context.Context, req *IDRequest) (*ListUnitsResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	units, err := s.admin.ListUnits(ctx, p, req.ID)
	if err != nil {
		return nil, s.fail(err, methodListUnits)
	}
	return &ListUnitsResponse{Units: units}, nil
}

func (s *AdminServer) GetUnitTimeline(ctx context.Context, req *IDRequest) (*TimelineResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.admin.UnitTimeline(ctx, p, req.ID)
	if err != nil {
		return nil, s.fail(err, methodGetUnitTimeline)
	}
	return &TimelineResponse{Events: events}, nil
}

func (s *AdminServer) ConfirmPaid(ctx context.Context, req *ConfirmPaidRequest) (*UnitResponse, error) {
	if strings.TrimSpace(req.OrderRef) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_ref is required")
	}
	return runOnce(s, ctx, methodConfirmPaid, req, func(ctx context.Context, p domain.Principal) (*UnitResponse, error) {
		unit, changed, err := s.admin.ConfirmPaid(ctx, p, req.UnitID, allocator.ConfirmRequest{
			OrderRef:       strings.TrimSpace(req.OrderRef),
			OrderNumber:    req.OrderNumber,
			Content:        req.Content,
			Price:          domain.PriceBreakdown{Base: req.Price, Total: req.Price},
			DurationMonths: req.DurationMonths,
		})
		if err != nil {
			return nil, s.fail(err, methodConfirmPaid)
		}
		return &UnitResponse{Unit: unit, Changed: changed}, nil
	})
}

func (s *AdminServer) ReleaseUnit(ctx context.Context, req *ReleaseUnitRequest) (*UnitResponse, error) {
	return runOnce(s, ctx, methodReleaseUnit, req, func(ctx context.Context, p domain.Principal) (*UnitResponse, error) {
		unit, err := s.admin.ReleaseUnit(ctx, p, req.UnitID, req.Clear)
		if err != nil {
			return nil, s.fail(err, methodReleaseUnit)
		}
		return &UnitResponse{Unit: unit, Changed: true}, nil
	})
}

func (s *AdminServer) QueryOrders(ctx context.Context, req *QueryOrdersRequest) (*OrderPageResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	page, err := s.admin.QueryOrders(ctx, p, req.Filter)
	if err != nil {
		return nil, s.fail(err, methodQueryOrders)
	}
	return &OrderPageResponse{Page: page}, nil
}

func (s *AdminServer) CountOrders(ctx context.Context, req *QueryOrdersRequest) (*CountOrdersResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.admin.CountOrders(ctx, p, req.Filter)
	if err != nil {
		return nil, s.fail(err, methodCountOrders)
	}
	return &CountOrdersResponse{Counts: counts, Total: counts.Total()}, nil
}

func (s *AdminServer) DeleteOrder(ctx context.Context, req *IDRequest) (*OrderResponse, error) {
	return runOnce(s, ctx, methodDeleteOrder, req, func(ctx context.Context, p domain.Principal) (*OrderResponse, error) {
		order, err := s.admin.DeleteOrder(ctx, p, req.ID)
		if err != nil {
			return nil, s.fail(err, methodDeleteOrder)
		}
		return &OrderResponse{Order: order}, nil
	})
}

func (s *AdminServer) TakedownOrder(ctx context.Context, req *IDRequest) (*OrderResponse, error) {
	return runOnce(s, ctx, methodTakedownOrder, req, func(ctx context.Context, p domain.Principal) (*OrderResponse, error) {
		order, err := s.admin.TakedownOrder(ctx, p, req.ID)
		if err != nil {
			return nil, s.fail(err, methodTakedownOrder)
		}
		return &OrderResponse{Order: order}, nil
	})
}

func (s *AdminServer) RunReconcile(ctx context.Context, req *RunReconcileRequest) (*ReconcileResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	report, err := s.admin.RunReconcile(ctx, p, req.Limit)
	if err != nil {
		return nil, s.fail(err, methodRunReconcile)
	}
	return &ReconcileResponse{Report: report}, nil
}

func (s *AdminServer) RunExpirySweep(ctx context.Context, _ *Empty) (*ExpiryResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	report, err := s.admin.RunExpirySweep(ctx, p)
	if err != nil {
		return nil, s.fail(err, methodRunExpirySweep)
	}
	return &ExpiryResponse{Report: report}, nil
}

func (s *AdminServer) GetSettings(ctx context.Context, _ *Empty) (*SettingsResponse, error) {
	p, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.admin.GetSettings(ctx, p)
	if err != nil {
		return nil, s.fail(err, methodGetSettings)
	}
	return &SettingsResponse{Settings: settings}, nil
}

func (s *AdminServer) UpdateSettings(ctx context.Context, req *SettingsRequest) (*SettingsResponse, error) {
	return runOnce(s, ctx, methodUpdateSettings, req, func(ctx context.Context, p domain.Principal) (*SettingsResponse, error) {
		settings, err := s.admin.UpdateSettings(ctx, p, req.Settings)
		if err != nil {
			return nil, s.fail(err, methodUpdateSettings)
		}
		return &SettingsResponse{Settings: settings}, nil
	})
}

// fail логирует внутренние ошибки и переводит доменные в gRPC-коды.
func (s *AdminServer) fail(err error, method string) error {
	st := toStatus(err)
	if status.Code(st) == codes.Internal {
		s.logger.WithError(err).WithField("method", method).Error("admin call failed")
	}
	return st
}

// toStatus переводит доменную ошибку в gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, domain.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, domain.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrSlotNotFound),
		errors.Is(err, domain.ErrUnitNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrSlotInvalid),
		errors.Is(err, domain.ErrInvalidPosition),
		errors.Is(err, domain.ErrInvalidDuration),
		errors.Is(err, domain.ErrExternalRefRequired):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrExternalRefConflict):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrOrderTransition),
		errors.Is(err, domain.ErrUnitNotPaid),
		errors.Is(err, domain.ErrUnitInvariant),
		domain.IsStateConflict(err):
		code = codes.FailedPrecondition
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

var _ AdminServiceServer = (*AdminServer)(nil)

package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// AdminClient вызывает AdminService через JSON-кодек.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient оборачивает соединение.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// WithToken добавляет bearer-токен в исходящий контекст.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+token)
}

// WithIdempotencyKey добавляет ключ идемпотентности в исходящий контекст.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, idempotencyKeyHeader, key)
}

func invoke[Resp any](ctx context.Context, c *AdminClient, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) CreateSlot(ctx context.Context, req *SlotRequest, opts ...grpc.CallOption) (*SlotResponse, error) {
	return invoke[SlotResponse](ctx, c, methodCreateSlot, req, opts...)
}

func (c *AdminClient) UpdateSlot(ctx context.Context, req *SlotRequest, opts ...grpc.CallOption) (*UpdateSlotResponse, error) {
	return invoke[UpdateSlotResponse](ctx, c, methodUpdateSlot, req, opts...)
}

func (c *AdminClient) GetSlot(ctx context.Context, req *IDRequest, opts ...grpc.CallOption) (*SlotResponse, error) {
	return invoke[SlotResponse](ctx, c, methodGetSlot, req, opts...)
}

func (c *AdminClient) ListSlots(ctx context.Context, req *ListSlotsRequest, opts ...grpc.CallOption) (*ListSlotsResponse, error) {
	return invoke[ListSlotsResponse](ctx, c, methodListSlots, req, opts...)
}

func (c *AdminClient) DeleteSlot(ctx context.Context, req *IDRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	return invoke[DeleteResponse](ctx, c, methodDeleteSlot, req, opts...)
}

func (c *AdminClient) ListUnits(ctx context.Context, req *IDRequest, opts ...grpc.CallOption) (*ListUnitsResponse, error) {
	return invoke[ListUnitsResponse](ctx, c, methodListUnits, req, opts...)
}

func (c *AdminClient) GetUnitTimeline(ctx context.Context, req *IDRequest, opts ...grpc.CallOption) (*TimelineResponse, error) {
	return invoke[TimelineResponse](ctx, c, methodGetUnitTimeline, req, opts...)
}

func (c *AdminClient) ConfirmPaid(ctx context.Context, req *ConfirmPaidRequest, opts ...grpc.CallOption) (*UnitResponse, error) {
	return invoke[UnitResponse](ctx, c, methodConfirmPaid, req, opts...)
}

func (c *AdminClient) ReleaseUnit(ctx context.Context, req *ReleaseUnitRequest, opts ...grpc.CallOption) (*UnitResponse, error) {
	return invoke[UnitResponse](ctx, c, methodReleaseUnit, req, opts...)
}

func (c *AdminClient) QueryOrders(ctx context.Context, req *QueryOrdersRequest, opts ...grpc.CallOption) (*OrderPageResponse, error) {
	return invoke[OrderPageResponse](ctx, c, methodQueryOrders, req, opts...)
}

func (c *AdminClient) CountOrders(ctx context.Context, req *QueryOrdersRequest, opts ...grpc.CallOption) (*CountOrdersResponse, error) {
	return invoke[CountOrdersResponse](ctx, c, methodCountOrders, req, opts...)
}

func (c *AdminClient) DeleteOrder(ctx context.Context, req *IDRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c, methodDeleteOrder, req, opts...)
}

func (c *AdminClient) TakedownOrder(ctx context.Context, req *IDRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c, methodTakedownOrder, req, opts...)
}

func (c *AdminClient) RunReconcile(ctx context.Context, req *RunReconcileRequest, opts ...grpc.CallOption) (*ReconcileResponse, error) {
	return invoke[ReconcileResponse](ctx, c, methodRunReconcile, req, opts...)
}

func (c *AdminClient) RunExpirySweep(ctx context.Context, opts ...grpc.CallOption) (*ExpiryResponse, error) {
	return invoke[ExpiryResponse](ctx, c, methodRunExpirySweep, &Empty{}, opts...)
}

func (c *AdminClient) GetSettings(ctx context.Context, opts ...grpc.CallOption) (*SettingsResponse, error) {
	return invoke[SettingsResponse](ctx, c, methodGetSettings, &Empty{}, opts...)
}

func (c *AdminClient) UpdateSettings(ctx context.Context, req *SettingsRequest, opts ...grpc.CallOption) (*SettingsResponse, error) {
	return invoke[SettingsResponse](ctx, c, methodUpdateSettings, req, opts...)
}

package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	methodCreateSlot      = "CreateSlot"
	methodUpdateSlot      = "UpdateSlot"
	methodGetSlot         = "GetSlot"
	methodListSlots       = "ListSlots"
	methodDeleteSlot      = "DeleteSlot"
	methodListUnits       = "ListUnits"
	methodGetUnitTimeline = "GetUnitTimeline"
	methodConfirmPaid     = "ConfirmPaid"
	methodReleaseUnit     = "ReleaseUnit"
	methodQueryOrders     = "QueryOrders"
	methodCountOrders     = "CountOrders"
	methodDeleteOrder     = "DeleteOrder"
	methodTakedownOrder   = "TakedownOrder"
	methodRunReconcile    = "RunReconcile"
	methodRunExpirySweep  = "RunExpirySweep"
	methodGetSettings     = "GetSettings"
	methodUpdateSettings  = "UpdateSettings"
)

// FullMethod возвращает полное имя метода для Invoke и интерсепторов.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary строит описание метода. Сообщения декодирует codec, выбранный
// по content-subtype запроса.
func unary[Req, Resp any](name string, call func(AdminServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			server := srv.(AdminServiceServer)
			if interceptor == nil {
				return call(server, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(server, ctx, r.(*Req))
			})
		},
	}
}

// AdminServiceDesc описывает сервис для grpc.Server.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodCreateSlot, AdminServiceServer.CreateSlot),
		unary(methodUpdateSlot, AdminServiceServer.UpdateSlot),
		unary(methodGetSlot, AdminServiceServer.GetSlot),
		unary(methodListSlots, AdminServiceServer.ListSlots),
		unary(methodDeleteSlot, AdminServiceServer.DeleteSlot),
		unary(methodListUnits, AdminServiceServer.ListUnits),
		unary(methodGetUnitTimeline, AdminServiceServer.GetUnitTimeline),
		unary(methodConfirmPaid, AdminServiceServer.ConfirmPaid),
		unary(methodReleaseUnit, AdminServiceServer.ReleaseUnit),
		unary(methodQueryOrders, AdminServiceServer.QueryOrders),
		unary(methodCountOrders, AdminServiceServer.CountOrders),
		unary(methodDeleteOrder, AdminServiceServer.DeleteOrder),
		unary(methodTakedownOrder, AdminServiceServer.TakedownOrder),
		unary(methodRunReconcile, AdminServiceServer.RunReconcile),
		unary(methodRunExpirySweep, AdminServiceServer.RunExpirySweep),
		unary(methodGetSettings, AdminServiceServer.GetSettings),
		unary(methodUpdateSettings, AdminServiceServer.UpdateSettings),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "adslots/v1/admin.json",
}

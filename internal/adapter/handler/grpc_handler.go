package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// The service speaks JSON over gRPC, clients select it with the "json"
// content subtype.
const (
	codecName   = "json"
	serviceName = "reservation.v1.ReservationService"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ReserveRequest struct {
	RequestID   string `json:"request_id"`
	CustomerID  string `json:"customer_id"`
	ProductID   string `json:"product_id"`
	InventoryID string `json:"inventory_id"`
	CartItemID  string `json:"cart_item_id"`
	Quantity    int32  `json:"quantity"`
}

type ReserveResponse struct {
	OrderID string `json:"order_id"`
	Outcome string `json:"outcome"`
	Message string `json:"message"`
}

type OrderStatusRequest struct {
	OrderID string `json:"order_id"`
}

type OrderStatusResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type CheckAvailableRequest struct {
	InventoryID string `json:"inventory_id"`
	Quantity    int32  `json:"quantity"`
}

type CheckAvailableResponse struct {
	Available bool `json:"available"`
}

type OrderEventRequest struct {
	OrderID string `json:"order_id"`
	Event   string `json:"event"`
}

// ReservationServer is the gRPC surface of the service.
type ReservationServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	GetOrderStatus(context.Context, *OrderStatusRequest) (*OrderStatusResponse, error)
	CheckAvailable(context.Context, *CheckAvailableRequest) (*CheckAvailableResponse, error)
	ApplyOrderEvent(context.Context, *OrderEventRequest) (*OrderStatusResponse, error)
}

var _ ReservationServer = (*GRPCHandler)(nil)

type GRPCHandler struct {
	reservations ReservationService
	availability AvailabilityChecker
	logger       *zap.Logger
}

func NewGRPCHandler(reservations ReservationService, availability AvailabilityChecker, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{reservations: reservations, availability: availability, logger: logger}
}

func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&reservationServiceDesc, srv)
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	res, err := h.reservations.Reserve(ctx, domain.ReservationRequest{
		RequestID:   req.RequestID,
		CartItemID:  req.CartItemID,
		CustomerID:  req.CustomerID,
		ProductID:   req.ProductID,
		InventoryID: req.InventoryID,
		Quantity:    int(req.Quantity),
	})
	if err != nil {
		h.logger.Warn("checkout rejected", zap.String("inventory_id", req.InventoryID), zap.Error(err))
		return nil, h.statusError(err)
	}

	_, msg := outcomeStatus(res.Outcome)
	return &ReserveResponse{OrderID: res.OrderID, Outcome: string(res.Outcome), Message: msg}, nil
}

func (h *GRPCHandler) GetOrderStatus(ctx context.Context, req *OrderStatusRequest) (*OrderStatusResponse, error) {
	state, err := h.reservations.GetOrderStatus(ctx, req.OrderID)
	if err != nil {
		return nil, h.statusError(err)
	}
	return &OrderStatusResponse{OrderID: req.OrderID, Status: string(state)}, nil
}

func (h *GRPCHandler) CheckAvailable(ctx context.Context, req *CheckAvailableRequest) (*CheckAvailableResponse, error) {
	ok, err := h.availability.CheckAvailable(ctx, req.InventoryID, int(req.Quantity))
	if err != nil {
		return nil, h.statusError(err)
	}
	return &CheckAvailableResponse{Available: ok}, nil
}

func (h *GRPCHandler) ApplyOrderEvent(ctx context.Context, req *OrderEventRequest) (*OrderStatusResponse, error) {
	order, err := h.reservations.ApplyOrderEvent(ctx, req.OrderID, domain.OrderEvent(req.Event))
	if err != nil {
		return nil, h.statusError(err)
	}
	return &OrderStatusResponse{OrderID: order.ID, Status: string(order.Status)}, nil
}

func (h *GRPCHandler) statusError(err error) error {
	kind := KindOf(err)
	if kind == KindInternal || kind == KindUnavailable {
		h.logger.Error("rpc failed", zap.Error(err))
	}
	return status.Error(kind.GRPCCode(), message(err))
}

func unaryHandler[Req any](call func(ReservationServer, context.Context, *Req) (interface{}, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ReservationServer), ctx, req.(*Req))
			})
		},
	}
}

var reservationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(func(s ReservationServer, ctx context.Context, in *ReserveRequest) (interface{}, error) {
			return s.Reserve(ctx, in)
		}, "Reserve"),
		unaryHandler(func(s ReservationServer, ctx context.Context, in *OrderStatusRequest) (interface{}, error) {
			return s.GetOrderStatus(ctx, in)
		}, "GetOrderStatus"),
		unaryHandler(func(s ReservationServer, ctx context.Context, in *CheckAvailableRequest) (interface{}, error) {
			return s.CheckAvailable(ctx, in)
		}, "CheckAvailable"),
		unaryHandler(func(s ReservationServer, ctx context.Context, in *OrderEventRequest) (interface{}, error) {
			return s.ApplyOrderEvent(ctx, in)
		}, "ApplyOrderEvent"),
	},
	Streams: []grpc.StreamDesc{},
}

// ReservationClient calls the service over a JSON gRPC connection.
type ReservationClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationClient(cc grpc.ClientConnInterface) *ReservationClient {
	return &ReservationClient{cc: cc}
}

// CallOption selects the JSON codec for every call made with it.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}

func (c *ReservationClient) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *ReservationClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	out := new(ReserveResponse)
	if err := c.invoke(ctx, "Reserve", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) GetOrderStatus(ctx context.Context, in *OrderStatusRequest, opts ...grpc.CallOption) (*OrderStatusResponse, error) {
	out := new(OrderStatusResponse)
	if err := c.invoke(ctx, "GetOrderStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) CheckAvailable(ctx context.Context, in *CheckAvailableRequest, opts ...grpc.CallOption) (*CheckAvailableResponse, error) {
	out := new(CheckAvailableResponse)
	if err := c.invoke(ctx, "CheckAvailable", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) ApplyOrderEvent(ctx context.Context, in *OrderEventRequest, opts ...grpc.CallOption) (*OrderStatusResponse, error) {
	out := new(OrderStatusResponse)
	if err := c.invoke(ctx, "ApplyOrderEvent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

package handler

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/flash-drop/internal/core/domain"
	"github.com/rl1809/flash-drop/internal/core/service"
)

const dropServiceName = "flashdrop.v1.DropService"

type CreateDropRequest struct {
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	TotalStock int             `json:"total_stock"`
	StartTime  time.Time       `json:"start_time"`
}

type ListDropsRequest struct {
	Limit int `json:"limit"`
}

type ListDropsResponse struct {
	Drops []DropResponse `json:"drops"`
}

type ReserveRequest struct {
	DropID string `json:"dropId"`
	UserID string `json:"userId"`
}

type CompletePurchaseRequest struct {
	ReservationID string `json:"reservationId"`
}

// DropServiceServer is the server API for flashdrop.v1.DropService.
type DropServiceServer interface {
	CreateDrop(context.Context, *CreateDropRequest) (*DropResponse, error)
	ListDrops(context.Context, *ListDropsRequest) (*ListDropsResponse, error)
	Reserve(context.Context, *ReserveRequest) (*ReservationResponse, error)
	CompletePurchase(context.Context, *CompletePurchaseRequest) (*PurchaseResponse, error)
}

type GRPCHandler struct {
	engine DropEngine
	logger *zap.Logger
}

func NewGRPCHandler(engine DropEngine, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{engine: engine, logger: logger}
}

func (h *GRPCHandler) CreateDrop(ctx context.Context, req *CreateDropRequest) (*DropResponse, error) {
	drop, err := h.engine.CreateDrop(ctx, service.CreateDropInput{
		Name:       req.Name,
		Price:      req.Price,
		TotalStock: req.TotalStock,
		StartTime:  req.StartTime,
	})
	if err != nil {
		return nil, h.grpcError("CreateDrop", err)
	}
	resp := toDropResponse(drop, nil)
	return &resp, nil
}

func (h *GRPCHandler) ListDrops(ctx context.Context, req *ListDropsRequest) (*ListDropsResponse, error) {
	drops, err := h.engine.ListDropsWithTopBuyers(ctx, req.Limit)
	if err != nil {
		return nil, h.grpcError("ListDrops", err)
	}
	out := &ListDropsResponse{Drops: make([]DropResponse, 0, len(drops))}
	for _, d := range drops {
		out.Drops = append(out.Drops, toDropResponse(d.Drop, d.Purchases))
	}
	return out, nil
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*ReservationResponse, error) {
	reservation, err := h.engine.Reserve(ctx, req.DropID, req.UserID)
	if err != nil {
		return nil, h.grpcError("Reserve", err)
	}
	resp := toReservationResponse(reservation)
	return &resp, nil
}

func (h *GRPCHandler) CompletePurchase(ctx context.Context, req *CompletePurchaseRequest) (*PurchaseResponse, error) {
	purchase, err := h.engine.CompletePurchase(ctx, req.ReservationID)
	if err != nil {
		return nil, h.grpcError("CompletePurchase", err)
	}
	resp := toPurchaseResponse(purchase)
	return &resp, nil
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrOutOfStock):
		return codes.ResourceExhausted
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrReservationExpired):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrDropNameRequired),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidStock),
		errors.Is(err, domain.ErrStartTimeRequired):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

func (h *GRPCHandler) grpcError(method string, err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		h.logger.Error("rpc failed", zap.String("method", method), zap.Error(err))
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// RegisterDropServiceServer registers srv on s. Messages use the JSON codec.
func RegisterDropServiceServer(s grpc.ServiceRegistrar, srv DropServiceServer) {
	s.RegisterService(&dropServiceDesc, srv)
}

var dropServiceDesc = grpc.ServiceDesc{
	ServiceName: dropServiceName,
	HandlerType: (*DropServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateDrop", Handler: createDropHandler},
		{MethodName: "ListDrops", Handler: listDropsHandler},
		{MethodName: "Reserve", Handler: reserveHandler},
		{MethodName: "CompletePurchase", Handler: completePurchaseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flashdrop/v1/drop_service",
}

func createDropHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateDropRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DropServiceServer).CreateDrop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + dropServiceName + "/CreateDrop"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DropServiceServer).CreateDrop(ctx, req.(*CreateDropRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listDropsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListDropsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DropServiceServer).ListDrops(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + dropServiceName + "/ListDrops"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DropServiceServer).ListDrops(ctx, req.(*ListDropsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reserveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReserveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DropServiceServer).Reserve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + dropServiceName + "/Reserve"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DropServiceServer).Reserve(ctx, req.(*ReserveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func completePurchaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CompletePurchaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DropServiceServer).CompletePurchase(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + dropServiceName + "/CompletePurchase"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DropServiceServer).CompletePurchase(ctx, req.(*CompletePurchaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

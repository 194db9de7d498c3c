package handler

import (
	"context"

	"google.golang.org/grpc"
)

// DropServiceClient calls flashdrop.v1.DropService over the JSON codec.
type DropServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDropServiceClient(cc grpc.ClientConnInterface) *DropServiceClient {
	return &DropServiceClient{cc: cc}
}

func (c *DropServiceClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+dropServiceName+"/"+method, in, out, opts...)
}

func (c *DropServiceClient) CreateDrop(ctx context.Context, in *CreateDropRequest, opts ...grpc.CallOption) (*DropResponse, error) {
	out := new(DropResponse)
	if err := c.invoke(ctx, "CreateDrop", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DropServiceClient) ListDrops(ctx context.Context, in *ListDropsRequest, opts ...grpc.CallOption) (*ListDropsResponse, error) {
	out := new(ListDropsResponse)
	if err := c.invoke(ctx, "ListDrops", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DropServiceClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReservationResponse, error) {
	out := new(ReservationResponse)
	if err := c.invoke(ctx, "Reserve", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DropServiceClient) CompletePurchase(ctx context.Context, in *CompletePurchaseRequest, opts ...grpc.CallOption) (*PurchaseResponse, error) {
	out := new(PurchaseResponse)
	if err := c.invoke(ctx, "CompletePurchase", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

package api

import (
	"context"

	"google.golang.org/grpc"
)

type AskChangePeerRequest struct {
	Region *RegionDescriptor `json:"region"`
	Peer   *Peer             `json:"peer"`
}

type AskChangePeerResponse struct{}

type AskSplitRequest struct {
	Region   *RegionDescriptor `json:"region"`
	SplitKey []byte            `json:"split_key"`
	Peer     *Peer             `json:"peer"`
}

type AskSplitResponse struct{}

type PutStoreRequest struct {
	Store *StoreDescriptor `json:"store"`
}

type PutStoreResponse struct{}

type GetRegionByIDRequest struct {
	RegionID uint64 `json:"region_id"`
}

// GetRegionByIDResponse leaves Region nil when the authority has no record.
type GetRegionByIDResponse struct {
	Region *RegionDescriptor `json:"region,omitempty"`
}

type GetRegionByKeyRequest struct {
	Key []byte `json:"key"`
}

type GetRegionByKeyResponse struct {
	Region *RegionDescriptor `json:"region,omitempty"`
}

type BootstrapRegionRequest struct {
	Region *RegionDescriptor `json:"region"`
}

type BootstrapRegionResponse struct{}

type AllocIDRequest struct{}

type AllocIDResponse struct {
	ID uint64 `json:"id"`
}

type ListStoresRequest struct{}

type ListStoresResponse struct {
	Stores []*StoreDescriptor `json:"stores"`
}

type PDClient interface {
	AskChangePeer(ctx context.Context, in *AskChangePeerRequest, opts ...grpc.CallOption) (*AskChangePeerResponse, error)
	AskSplit(ctx context.Context, in *AskSplitRequest, opts ...grpc.CallOption) (*AskSplitResponse, error)
	PutStore(ctx context.Context, in *PutStoreRequest, opts ...grpc.CallOption) (*PutStoreResponse, error)
	GetRegionByID(ctx context.Context, in *GetRegionByIDRequest, opts ...grpc.CallOption) (*GetRegionByIDResponse, error)
	GetRegionByKey(ctx context.Context, in *GetRegionByKeyRequest, opts ...grpc.CallOption) (*GetRegionByKeyResponse, error)
	BootstrapRegion(ctx context.Context, in *BootstrapRegionRequest, opts ...grpc.CallOption) (*BootstrapRegionResponse, error)
	AllocID(ctx context.Context, in *AllocIDRequest, opts ...grpc.CallOption) (*AllocIDResponse, error)
	ListStores(ctx context.Context, in *ListStoresRequest, opts ...grpc.CallOption) (*ListStoresResponse, error)
}

type pdClient struct {
	cc grpc.ClientConnInterface
}

func NewPDClient(cc grpc.ClientConnInterface) PDClient {
	return &pdClient{cc: cc}
}

func (c *pdClient) AskChangePeer(ctx context.Context, in *AskChangePeerRequest, opts ...grpc.CallOption) (*AskChangePeerResponse, error) {
	out := new(AskChangePeerResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/AskChangePeer", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) AskSplit(ctx context.Context, in *AskSplitRequest, opts ...grpc.CallOption) (*AskSplitResponse, error) {
	out := new(AskSplitResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/AskSplit", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) PutStore(ctx context.Context, in *PutStoreRequest, opts ...grpc.CallOption) (*PutStoreResponse, error) {
	out := new(PutStoreResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/PutStore", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) GetRegionByID(ctx context.Context, in *GetRegionByIDRequest, opts ...grpc.CallOption) (*GetRegionByIDResponse, error) {
	out := new(GetRegionByIDResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/GetRegionByID", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) GetRegionByKey(ctx context.Context, in *GetRegionByKeyRequest, opts ...grpc.CallOption) (*GetRegionByKeyResponse, error) {
	out := new(GetRegionByKeyResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/GetRegionByKey", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) BootstrapRegion(ctx context.Context, in *BootstrapRegionRequest, opts ...grpc.CallOption) (*BootstrapRegionResponse, error) {
	out := new(BootstrapRegionResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/BootstrapRegion", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) AllocID(ctx context.Context, in *AllocIDRequest, opts ...grpc.CallOption) (*AllocIDResponse, error) {
	out := new(AllocIDResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/AllocID", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) ListStores(ctx context.Context, in *ListStoresRequest, opts ...grpc.CallOption) (*ListStoresResponse, error) {
	out := new(ListStoresResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.PD/ListStores", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type PDServer interface {
	AskChangePeer(context.Context, *AskChangePeerRequest) (*AskChangePeerResponse, error)
	AskSplit(context.Context, *AskSplitRequest) (*AskSplitResponse, error)
	PutStore(context.Context, *PutStoreRequest) (*PutStoreResponse, error)
	GetRegionByID(context.Context, *GetRegionByIDRequest) (*GetRegionByIDResponse, error)
	GetRegionByKey(context.Context, *GetRegionByKeyRequest) (*GetRegionByKeyResponse, error)
	BootstrapRegion(context.Context, *BootstrapRegionRequest) (*BootstrapRegionResponse, error)
	AllocID(context.Context, *AllocIDRequest) (*AllocIDResponse, error)
	ListStores(context.Context, *ListStoresRequest) (*ListStoresResponse, error)
}

// pdHandler adapts one typed PDServer method to a grpc.MethodHandler.
func pdHandler[Req any](method string, call func(PDServer, context.Context, *Req) (interface{}, error)) grpc.MethodHandler {
	fullMethod := "/nyxstore.api.PD/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PDServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PDServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var pdServiceDesc = grpc.ServiceDesc{
	ServiceName: "nyxstore.api.PD",
	HandlerType: (*PDServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AskChangePeer", Handler: pdHandler("AskChangePeer", func(s PDServer, ctx context.Context, in *AskChangePeerRequest) (interface{}, error) {
			return s.AskChangePeer(ctx, in)
		})},
		{MethodName: "AskSplit", Handler: pdHandler("AskSplit", func(s PDServer, ctx context.Context, in *AskSplitRequest) (interface{}, error) {
			return s.AskSplit(ctx, in)
		})},
		{MethodName: "PutStore", Handler: pdHandler("PutStore", func(s PDServer, ctx context.Context, in *PutStoreRequest) (interface{}, error) {
			return s.PutStore(ctx, in)
		})},
		{MethodName: "GetRegionByID", Handler: pdHandler("GetRegionByID", func(s PDServer, ctx context.Context, in *GetRegionByIDRequest) (interface{}, error) {
			return s.GetRegionByID(ctx, in)
		})},
		{MethodName: "GetRegionByKey", Handler: pdHandler("GetRegionByKey", func(s PDServer, ctx context.Context, in *GetRegionByKeyRequest) (interface{}, error) {
			return s.GetRegionByKey(ctx, in)
		})},
		{MethodName: "BootstrapRegion", Handler: pdHandler("BootstrapRegion", func(s PDServer, ctx context.Context, in *BootstrapRegionRequest) (interface{}, error) {
			return s.BootstrapRegion(ctx, in)
		})},
		{MethodName: "AllocID", Handler: pdHandler("AllocID", func(s PDServer, ctx context.Context, in *AllocIDRequest) (interface{}, error) {
			return s.AllocID(ctx, in)
		})},
		{MethodName: "ListStores", Handler: pdHandler("ListStores", func(s PDServer, ctx context.Context, in *ListStoresRequest) (interface{}, error) {
			return s.ListStores(ctx, in)
		})},
	},
}

func RegisterPDServer(s grpc.ServiceRegistrar, srv PDServer) {
	s.RegisterService(&pdServiceDesc, srv)
}

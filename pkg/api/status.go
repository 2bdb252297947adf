package api

import (
	"context"

	"google.golang.org/grpc"
)

type StatusCmdType int32

const (
	StatusCmdInvalid StatusCmdType = iota
	StatusCmdRegionLeader
	StatusCmdRegionDetail
)

// RequestHeader addresses a request to one peer of a region.
type RequestHeader struct {
	RegionID    uint64       `json:"region_id"`
	Peer        *Peer        `json:"peer,omitempty"`
	RegionEpoch *RegionEpoch `json:"region_epoch,omitempty"`
}

type StatusRequest struct {
	Header  RequestHeader `json:"header"`
	CmdType StatusCmdType `json:"cmd_type"`
}

type RegionNotFound struct {
	RegionID uint64 `json:"region_id"`
}

type StaleEpoch struct {
	CurrentEpoch RegionEpoch `json:"current_epoch"`
}

type NotLeader struct {
	RegionID uint64 `json:"region_id"`
	Leader   *Peer  `json:"leader,omitempty"`
}

// Error is a semantic rejection returned inside a response header.
type Error struct {
	Message        string          `json:"message"`
	RegionNotFound *RegionNotFound `json:"region_not_found,omitempty"`
	StaleEpoch     *StaleEpoch     `json:"stale_epoch,omitempty"`
	NotLeader      *NotLeader      `json:"not_leader,omitempty"`
}

func (e *Error) HasRegionNotFound() bool { return e != nil && e.RegionNotFound != nil }

func (e *Error) HasStaleEpoch() bool { return e != nil && e.StaleEpoch != nil }

func (e *Error) HasNotLeader() bool { return e != nil && e.NotLeader != nil }

type ResponseHeader struct {
	Error *Error `json:"error,omitempty"`
}

type RegionLeaderResponse struct {
	Leader Peer `json:"leader"`
}

type RegionDetailResponse struct {
	Region *RegionDescriptor `json:"region"`
	Leader *Peer             `json:"leader,omitempty"`
}

type StatusResponse struct {
	Header       ResponseHeader        `json:"header"`
	CmdType      StatusCmdType         `json:"cmd_type"`
	RegionLeader *RegionLeaderResponse `json:"region_leader,omitempty"`
	RegionDetail *RegionDetailResponse `json:"region_detail,omitempty"`
}

func (r *StatusResponse) HasRegionLeader() bool { return r != nil && r.RegionLeader != nil }

type StatusClient interface {
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type statusClient struct {
	cc grpc.ClientConnInterface
}

func NewStatusClient(cc grpc.ClientConnInterface) StatusClient {
	return &statusClient{cc: cc}
}

func (c *statusClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, "/nyxstore.api.Status/Status", in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type StatusServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

func _Status_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nyxstore.api.Status/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var statusServiceDesc = grpc.ServiceDesc{
	ServiceName: "nyxstore.api.Status",
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: _Status_Status_Handler},
	},
}

func RegisterStatusServer(s grpc.ServiceRegistrar, srv StatusServer) {
	s.RegisterService(&statusServiceDesc, srv)
}

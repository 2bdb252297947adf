package api

import (
	"context"

	"google.golang.org/grpc"
)

// RaftMessage carries one raft message between stores, stamped with the
// sender's view of the region epoch.
type RaftMessage struct {
	RegionID    uint64      `json:"region_id"`
	FromPeer    Peer        `json:"from_peer"`
	ToPeer      Peer        `json:"to_peer"`
	RegionEpoch RegionEpoch `json:"region_epoch"`
	// IsTombstone marks a notice telling ToPeer it is no longer a member.
	IsTombstone bool `json:"is_tombstone,omitempty"`
	// Message is a marshalled raftpb.Message.
	Message []byte `json:"message,omitempty"`
}

type RaftAck struct{}

type RaftTransportClient interface {
	Send(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SendClient, error)
}

type raftTransportClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftTransportClient(cc grpc.ClientConnInterface) RaftTransportClient {
	return &raftTransportClient{cc: cc}
}

func (c *raftTransportClient) Send(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SendClient, error) {
	stream, err := c.cc.NewStream(ctx, &raftTransportServiceDesc.Streams[0], "/nyxstore.api.RaftTransport/Send", withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &raftTransportSendClient{ClientStream: stream}, nil
}

type RaftTransport_SendClient interface {
	Send(*RaftMessage) error
	CloseAndRecv() (*RaftAck, error)
	grpc.ClientStream
}

type raftTransportSendClient struct {
	grpc.ClientStream
}

func (x *raftTransportSendClient) Send(m *RaftMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *raftTransportSendClient) CloseAndRecv() (*RaftAck, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(RaftAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type RaftTransportServer interface {
	Send(RaftTransport_SendServer) error
}

type RaftTransport_SendServer interface {
	SendAndClose(*RaftAck) error
	Recv() (*RaftMessage, error)
	grpc.ServerStream
}

type raftTransportSendServer struct {
	grpc.ServerStream
}

func (x *raftTransportSendServer) SendAndClose(m *RaftAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *raftTransportSendServer) Recv() (*RaftMessage, error) {
	m := new(RaftMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _RaftTransport_Send_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftTransportServer).Send(&raftTransportSendServer{ServerStream: stream})
}

var raftTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: "nyxstore.api.RaftTransport",
	HandlerType: (*RaftTransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Send", Handler: _RaftTransport_Send_Handler, ClientStreams: true},
	},
}

func RegisterRaftTransportServer(s grpc.ServiceRegistrar, srv RaftTransportServer) {
	s.RegisterService(&raftTransportServiceDesc, srv)
}

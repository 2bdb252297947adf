package grpcserver

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"nyxstore/internal/pd"
	pdgrpc "nyxstore/internal/pd/grpc"
	raftnet "nyxstore/internal/raft"
	api "nyxstore/pkg/api"
)

// StoreService is what a store server exposes over gRPC.
type StoreService interface {
	raftnet.MessageHandler
	api.StatusServer
}

// StoreBinder registers the raft transport and status services of a store.
type StoreBinder struct {
	Store  StoreService
	Logger *zap.Logger
}

func (b StoreBinder) Register(s *grpc.Server) {
	if b.Store == nil {
		return
	}
	raftnet.RegisterGRPCTransportServer(s, b.Store, b.Logger)
	api.RegisterStatusServer(s, b.Store)
}

// PDBinder registers the placement authority service.
type PDBinder struct {
	Service *pd.Service
}

func (b PDBinder) Register(s *grpc.Server) {
	if b.Service == nil {
		return
	}
	pdgrpc.Register(s, b.Service)
}

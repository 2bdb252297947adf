package pdgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pd "nyxstore/internal/pd"
	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

// Server adapts pd.Service to the PD gRPC API.
type Server struct {
	service *pd.Service
}

func NewServer(service *pd.Service) *Server {
	return &Server{service: service}
}

func (s *Server) AskChangePeer(ctx context.Context, req *api.AskChangePeerRequest) (*api.AskChangePeerResponse, error) {
	region, err := pd.ProtoToRegion(req.Region)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.service.AskChangePeer(ctx, region, pd.ProtoToPeer(req.Peer)); err != nil {
		return nil, pd.ToStatus(err)
	}
	return &api.AskChangePeerResponse{}, nil
}

func (s *Server) AskSplit(ctx context.Context, req *api.AskSplitRequest) (*api.AskSplitResponse, error) {
	region, err := pd.ProtoToRegion(req.Region)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.service.AskSplit(ctx, region, req.SplitKey, pd.ProtoToPeer(req.Peer)); err != nil {
		return nil, pd.ToStatus(err)
	}
	return &api.AskSplitResponse{}, nil
}

func (s *Server) PutStore(ctx context.Context, req *api.PutStoreRequest) (*api.PutStoreResponse, error) {
	store, err := pd.ProtoToStore(req.Store)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.service.PutStore(ctx, store); err != nil {
		return nil, pd.ToStatus(err)
	}
	return &api.PutStoreResponse{}, nil
}

func (s *Server) GetRegionByID(ctx context.Context, req *api.GetRegionByIDRequest) (*api.GetRegionByIDResponse, error) {
	region, err := s.service.GetRegionByID(ctx, regionpkg.ID(req.RegionID))
	if err != nil {
		return nil, pd.ToStatus(err)
	}
	resp := &api.GetRegionByIDResponse{}
	if region != nil {
		resp.Region = pd.RegionToProto(*region)
	}
	return resp, nil
}

func (s *Server) GetRegionByKey(ctx context.Context, req *api.GetRegionByKeyRequest) (*api.GetRegionByKeyResponse, error) {
	if len(req.Key) == 0 {
		return nil, status.Error(codes.InvalidArgument, "key is empty")
	}
	region, ok := s.service.RegionByKey(req.Key)
	if !ok {
		return nil, status.Error(codes.NotFound, "region not found")
	}
	return &api.GetRegionByKeyResponse{Region: pd.RegionToProto(region)}, nil
}

func (s *Server) BootstrapRegion(ctx context.Context, req *api.BootstrapRegionRequest) (*api.BootstrapRegionResponse, error) {
	region, err := pd.ProtoToRegion(req.Region)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.service.BootstrapRegion(ctx, region); err != nil {
		return nil, pd.ToStatus(err)
	}
	return &api.BootstrapRegionResponse{}, nil
}

func (s *Server) AllocID(ctx context.Context, _ *api.AllocIDRequest) (*api.AllocIDResponse, error) {
	id, err := s.service.AllocID(ctx)
	if err != nil {
		return nil, pd.ToStatus(err)
	}
	return &api.AllocIDResponse{ID: id}, nil
}

func (s *Server) ListStores(ctx context.Context, _ *api.ListStoresRequest) (*api.ListStoresResponse, error) {
	stores := s.service.Stores()
	resp := &api.ListStoresResponse{Stores: make([]*api.StoreDescriptor, 0, len(stores))}
	for _, st := range stores {
		resp.Stores = append(resp.Stores, pd.StoreToProto(st))
	}
	return resp, nil
}

func Register(server grpc.ServiceRegistrar, service *pd.Service) {
	api.RegisterPDServer(server, NewServer(service))
}

package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	api "nyxstore/pkg/api"
)

// GRPCDialer abstracts dialing so tests can inject custom behaviour.
type GRPCDialer interface {
	Dial(target string) (*grpc.ClientConn, error)
}

type DefaultDialer struct{}

func (DefaultDialer) Dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// AddressResolver looks up the address of a store the transport has not
// been told about.
type AddressResolver func(storeID uint64) (string, error)

type clientStream struct {
	conn   *grpc.ClientConn
	stream api.RaftTransport_SendClient
}

// GRPCTransport keeps one client stream per remote store.
type GRPCTransport struct {
	mu        sync.RWMutex
	addresses map[uint64]string
	streams   map[uint64]*clientStream
	dialer    GRPCDialer
	resolver  AddressResolver
	logger    *zap.Logger
}

func NewGRPCTransport(dialer GRPCDialer, resolver AddressResolver, logger *zap.Logger) *GRPCTransport {
	if dialer == nil {
		dialer = DefaultDialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransport{
		addresses: make(map[uint64]string),
		streams:   make(map[uint64]*clientStream),
		dialer:    dialer,
		resolver:  resolver,
		logger:    logger,
	}
}

func (t *GRPCTransport) AddStore(storeID uint64, addr string) error {
	if addr == "" {
		return fmt.Errorf("no address provided for store %d", storeID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.addresses[storeID]; ok && prev != addr {
		t.closeStreamLocked(storeID)
	}
	t.addresses[storeID] = addr
	return nil
}

func (t *GRPCTransport) RemoveStore(storeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addresses, storeID)
	t.closeStreamLocked(storeID)
}

func (t *GRPCTransport) Send(msg *api.RaftMessage) error {
	storeID := msg.ToPeer.StoreID
	cs, err := t.ensureStream(storeID)
	if err != nil {
		return err
	}
	if err := cs.stream.Send(msg); err != nil {
		t.mu.Lock()
		t.closeStreamLocked(storeID)
		t.mu.Unlock()
		return fmt.Errorf("%w: store %d: %v", ErrStoreUnreachable, storeID, err)
	}
	return nil
}

// Close tears down every stream.
func (t *GRPCTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.streams {
		t.closeStreamLocked(id)
	}
}

func (t *GRPCTransport) ensureStream(storeID uint64) (*clientStream, error) {
	t.mu.RLock()
	cs, ok := t.streams[storeID]
	addr := t.addresses[storeID]
	t.mu.RUnlock()
	if ok {
		return cs, nil
	}
	if addr == "" && t.resolver != nil {
		resolved, err := t.resolver(storeID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve store %d: %v", ErrStoreUnreachable, storeID, err)
		}
		if err := t.AddStore(storeID, resolved); err != nil {
			return nil, err
		}
		addr = resolved
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: unknown address for store %d", ErrStoreUnreachable, storeID)
	}
	conn, err := t.dialer.Dial(addr)
	if err != nil {
		return nil, err
	}
	stream, err := api.NewRaftTransportClient(conn).Send(context.Background())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	cs = &clientStream{conn: conn, stream: stream}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.streams[storeID]; ok {
		_ = conn.Close()
		return existing, nil
	}
	t.streams[storeID] = cs
	return cs, nil
}

func (t *GRPCTransport) closeStreamLocked(storeID uint64) {
	if cs, ok := t.streams[storeID]; ok {
		_ = cs.stream.CloseSend()
		_ = cs.conn.Close()
		delete(t.streams, storeID)
	}
}

// GRPCTransportServer feeds received messages into the local store.
type GRPCTransportServer struct {
	handler MessageHandler
	logger  *zap.Logger
}

func NewGRPCTransportServer(handler MessageHandler, logger *zap.Logger) *GRPCTransportServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransportServer{handler: handler, logger: logger}
}

func (s *GRPCTransportServer) Send(stream api.RaftTransport_SendServer) error {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&api.RaftAck{})
		}
		if err != nil {
			return err
		}
		// rejections are part of the protocol, the stream stays open
		if err := s.handler.HandleRaftMessage(stream.Context(), msg); err != nil {
			s.logger.Debug("raft message rejected",
				zap.Uint64("region", msg.RegionID),
				zap.Uint64("to_peer", msg.ToPeer.ID),
				zap.Error(err))
		}
	}
}

func RegisterGRPCTransportServer(s grpc.ServiceRegistrar, handler MessageHandler, logger *zap.Logger) {
	api.RegisterRaftTransportServer(s, NewGRPCTransportServer(handler, logger))
}

var _ Transport = (*GRPCTransport)(nil)

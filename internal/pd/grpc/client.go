package pdgrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pd "nyxstore/internal/pd"
	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

// DefaultTimeout bounds every call when no timeout is configured.
const DefaultTimeout = 2 * time.Second

// Client implements pd.Client over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	client  api.PDClient
	timeout time.Duration
}

// NewClient connects lazily to target; the first call establishes the connection.
func NewClient(target string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, client: api.NewPDClient(conn), timeout: timeout}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) AskChangePeer(ctx context.Context, region regionpkg.Region, peer regionpkg.Peer) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.client.AskChangePeer(ctx, &api.AskChangePeerRequest{
		Region: pd.RegionToProto(region),
		Peer:   pd.PeerToProto(peer),
	})
	return err
}

func (c *Client) AskSplit(ctx context.Context, region regionpkg.Region, splitKey []byte, peer regionpkg.Peer) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.client.AskSplit(ctx, &api.AskSplitRequest{
		Region:   pd.RegionToProto(region),
		SplitKey: append([]byte(nil), splitKey...),
		Peer:     pd.PeerToProto(peer),
	})
	return err
}

func (c *Client) PutStore(ctx context.Context, store regionpkg.Store) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.client.PutStore(ctx, &api.PutStoreRequest{Store: pd.StoreToProto(store)})
	return err
}

func (c *Client) GetRegionByID(ctx context.Context, id regionpkg.ID) (*regionpkg.Region, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.GetRegionByID(ctx, &api.GetRegionByIDRequest{RegionID: uint64(id)})
	if err != nil {
		return nil, err
	}
	if resp.Region == nil {
		return nil, nil
	}
	region, err := pd.ProtoToRegion(resp.Region)
	if err != nil {
		return nil, err
	}
	return &region, nil
}

func (c *Client) GetRegionByKey(ctx context.Context, key []byte) (*regionpkg.Region, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.GetRegionByKey(ctx, &api.GetRegionByKeyRequest{Key: key})
	if err != nil {
		return nil, err
	}
	if resp.Region == nil {
		return nil, nil
	}
	region, err := pd.ProtoToRegion(resp.Region)
	if err != nil {
		return nil, err
	}
	return &region, nil
}

func (c *Client) BootstrapRegion(ctx context.Context, region regionpkg.Region) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.client.BootstrapRegion(ctx, &api.BootstrapRegionRequest{Region: pd.RegionToProto(region)})
	return err
}

func (c *Client) AllocID(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.AllocID(ctx, &api.AllocIDRequest{})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *Client) Stores(ctx context.Context) ([]regionpkg.Store, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.ListStores(ctx, &api.ListStoresRequest{})
	if err != nil {
		return nil, err
	}
	stores := make([]regionpkg.Store, 0, len(resp.Stores))
	for _, desc := range resp.Stores {
		store, err := pd.ProtoToStore(desc)
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}
	return stores, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

var _ pd.Client = (*Client)(nil)

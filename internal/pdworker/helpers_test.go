package pdworker_test

import (
	"context"
	"fmt"
	"sync"

	regionpkg "nyxstore/internal/region"
)

// recordingClient records one line per authority call.
type recordingClient struct {
	mu  sync.Mutex
	log []string
	err error
}

func (c *recordingClient) record(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
	return c.err
}

func (c *recordingClient) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *recordingClient) AskChangePeer(_ context.Context, r regionpkg.Region, _ regionpkg.Peer) error {
	return c.record(fmt.Sprintf("change:%d", r.ID))
}

func (c *recordingClient) AskSplit(_ context.Context, r regionpkg.Region, _ []byte, _ regionpkg.Peer) error {
	return c.record(fmt.Sprintf("split:%d", r.ID))
}

func (c *recordingClient) PutStore(_ context.Context, s regionpkg.Store) error {
	return c.record(fmt.Sprintf("store:%d", s.ID))
}

func (c *recordingClient) GetRegionByID(_ context.Context, id regionpkg.ID) (*regionpkg.Region, error) {
	return nil, c.record(fmt.Sprintf("get:%d", id))
}

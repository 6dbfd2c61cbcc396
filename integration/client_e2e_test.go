//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdmawrite-go/client"
	"github.com/rocketbitz/rdmawrite-go/fabric/loopback"
	"github.com/rocketbitz/rdmawrite-go/fabric/rdmacm"
)

func TestClientLoopbackManyPeers(t *testing.T) {
	const peers = 32
	network := loopback.NewNetwork()
	provider := network.Provider(loopback.Faults{})

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < peers; i++ {
		i := i
		node := fmt.Sprintf("10.1.0.%d", i+1)
		peer, err := network.Listen(node+":"+client.DefaultService, loopback.PeerConfig{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = peer.Close() })

		g.Go(func() error {
			a, b := uint32(i), uint32(1000*i)
			sum, err := client.Run(ctx, client.Config{
				Provider: provider,
				Node:     node,
				Timeout:  5 * time.Second,
			}, a, b)
			if err != nil {
				return fmt.Errorf("peer %s: %w", node, err)
			}
			if sum != a+b {
				return fmt.Errorf("peer %s: got %d want %d", node, sum, a+b)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.True(t, network.Live().Zero(), "live resources: %+v", network.Live())
	require.Empty(t, network.InvalidReleases())
}

func TestClientHardwareEndToEnd(t *testing.T) {
	server := os.Getenv("RDMA_WRITE_INTEGRATION_SERVER")
	if server == "" {
		t.Skip("set RDMA_WRITE_INTEGRATION_SERVER to a host running the adding server")
	}
	if !rdmacm.Available {
		t.Skip("rdmacm provider not compiled in; run with -tags rdmacm")
	}
	provider, err := rdmacm.New()
	require.NoError(t, err)

	cfg := client.Config{
		Provider:         provider,
		Node:             server,
		Service:          firstNonEmpty(os.Getenv("RDMA_WRITE_INTEGRATION_PORT"), client.DefaultService),
		Timeout:          10 * time.Second,
		StructuredLogger: zaptest.NewLogger(t).Sugar(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, cfg)
	if err != nil {
		t.Skipf("connect unavailable: %v", err)
	}
	defer func() {
		require.NoError(t, c.Close())
	}()

	sum, err := c.Exchange(ctx, 3, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(7), sum)
	stats := c.Stats()
	require.Equal(t, uint64(3), stats.Completed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nyxstore/internal/pdworker"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeFile(t, `
storeID: 3
dataDir: /var/lib/nyxstore
labels:
  zone: z1
grpc:
  address: 0.0.0.0:20160
  advertiseAddress: 10.0.0.3:20160
pd:
  address: 10.0.0.1:2379
raft:
  tickInterval: 50ms
  electionTick: 20
  heartbeatTick: 4
  syncLog: true
bootstrap:
  enabled: true
  regionID: 1
  peerID: 2
`)
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cfg.StoreID)
	require.Equal(t, "10.0.0.3:20160", cfg.GRPC.AdvertiseAddress)
	require.Equal(t, DefaultPDTimeout, cfg.PD.Timeout)
	require.Equal(t, pdworker.DefaultTaskTimeout, cfg.Worker.TaskTimeout)
	require.Equal(t, 1, cfg.Worker.Shards)
	require.Equal(t, "nyxstore", cfg.Metrics.Namespace)
	require.Equal(t, DefaultLogLevel, cfg.Log.Level)

	opts := cfg.StoreOptions(zap.NewNop())
	require.Equal(t, uint64(3), opts.StoreID)
	require.Equal(t, "10.0.0.3:20160", opts.Address)
	require.Equal(t, 50*time.Millisecond, opts.TickInterval)
	require.Equal(t, 20, opts.ElectionTick)
	require.True(t, opts.SyncLog)
	require.Equal(t, "z1", opts.Labels["zone"])
	require.Equal(t, "0.0.0.0:20160", cfg.GRPCConfig().Address)
}

func TestServerConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing store id": "dataDir: /tmp/x\n",
		"missing data dir": "storeID: 1\n",
		"heartbeat too large": `
storeID: 1
dataDir: /tmp/x
raft:
  electionTick: 4
  heartbeatTick: 4
`,
		"bootstrap without ids": `
storeID: 1
dataDir: /tmp/x
bootstrap:
  enabled: true
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadServerConfig(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadPDConfig(t *testing.T) {
	cfg, err := LoadPDConfig(writeFile(t, "dataDir: /var/lib/pd\nmetrics:\n  address: :9100\n"))
	require.NoError(t, err)
	require.Equal(t, DefaultPDAddress, cfg.Address)
	require.Equal(t, ":9100", cfg.Metrics.Address)

	_, err = LoadPDConfig(writeFile(t, "address: :2379\n"))
	require.Error(t, err)

	_, err = LoadPDConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMalformedYAML(t *testing.T) {
	_, err := LoadServerConfig(writeFile(t, "storeID: [1\n"))
	require.Error(t, err)
}

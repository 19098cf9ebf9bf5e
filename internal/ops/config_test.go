package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/risk"
	"exchange/internal/schema"
	"exchange/pkg/affinity"
)

func TestDefault(t *testing.T) {
	loaded := Default()

	require.Equal(t, 2, loaded.Registry.SymbolCount())
	id, ok := loaded.Registry.SymbolIDByName("MSFT")
	require.True(t, ok)
	assert.Equal(t, schema.SymbolID(2), id)

	assert.Equal(t, defaultGatewayAddr, loaded.Gateway.Addr)
	assert.Equal(t, defaultIncrementalGroup, loaded.Incremental.Group)
	assert.Equal(t, defaultSnapshotGroup, loaded.Snapshot.Group)
	assert.True(t, loaded.Incremental.Loopback)
	assert.Equal(t, affinity.NoCPU, loaded.Matcher.CPU)
	assert.Equal(t, time.Second, loaded.Matcher.DrainTimeout)
	assert.Equal(t, time.Second, loaded.Synthesizer.Interval)
	assert.Equal(t, Queues{defaultQueueSize, defaultQueueSize, defaultQueueSize, defaultQueueSize}, loaded.Queues)
	assert.Nil(t, loaded.Recorder)
	assert.Equal(t, risk.Limits{}, loaded.Risk.Symbols[id])
}

func TestLoad(t *testing.T) {
	raw := `{
		"symbols": [
			{"name": "BTC-USD", "scale": {"priceScale": 2}},
			{"name": "ETH-USD", "scale": {"priceScale": 3}, "limits": {"maxOrderQty": "50", "maxOrderNotional": "1000.5"}}
		],
		"risk": {
			"killSwitch": true,
			"default": {"maxOrderQty": "100", "maxPosition": "400", "maxPriceDeviationBps": 500},
			"orderRateLimit": 10,
			"orderRateWindow": "1s"
		},
		"gateway": {"addr": "0.0.0.0:9000", "maxPending": 64},
		"marketData": {
			"incrementalGroup": "239.1.1.1:30000",
			"snapshotGroup": "239.1.1.2:30001",
			"loopback": false,
			"snapshotInterval": "250ms",
			"chaos": {"dropRate": 0.1}
		},
		"queues": {"requests": 1024},
		"cpu": {"engine": 3},
		"busyPoll": true,
		"drainTimeout": "2s",
		"recorder": {"dir": "wal", "segmentMaxBytes": 4096, "flushInterval": 1000000},
		"admin": {"addr": ":8080"}
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)

	btc, _ := loaded.Registry.SymbolIDByName("BTC-USD")
	eth, _ := loaded.Registry.SymbolIDByName("ETH-USD")
	assert.True(t, loaded.Risk.KillSwitch)
	assert.Equal(t, 10, loaded.Risk.OrderRateLimit)
	assert.Equal(t, time.Second, loaded.Risk.OrderRateWindow)
	assert.Equal(t, risk.Limits{MaxOrderQty: 100, MaxPosition: 400, MaxPriceDeviationBps: 500}, loaded.Risk.Symbols[btc])
	assert.Equal(t, risk.Limits{MaxOrderQty: 50, MaxOrderNotional: 1000500}, loaded.Risk.Symbols[eth])

	assert.Equal(t, "0.0.0.0:9000", loaded.Gateway.Addr)
	assert.Equal(t, 64, loaded.Gateway.MaxPending)
	assert.True(t, loaded.Gateway.BusyPoll)
	assert.Equal(t, 3, loaded.Matcher.CPU)
	assert.Equal(t, affinity.NoCPU, loaded.Publisher.CPU)
	assert.Equal(t, 2*time.Second, loaded.Publisher.DrainTimeout)
	assert.Equal(t, 250*time.Millisecond, loaded.Synthesizer.Interval)
	assert.False(t, loaded.Snapshot.Loopback)
	assert.Equal(t, "239.1.1.2:30001", loaded.Snapshot.Group)
	assert.InDelta(t, 0.1, loaded.Chaos.DropRate, 1e-9)
	assert.Equal(t, 1024, loaded.Queues.Requests)
	assert.Equal(t, defaultQueueSize, loaded.Queues.Updates)
	assert.Equal(t, ":8080", loaded.AdminAddr)

	require.NotNil(t, loaded.Recorder)
	assert.Equal(t, "wal", loaded.Recorder.Dir)
	assert.Equal(t, int64(4096), loaded.Recorder.SegmentMaxBytes)
	assert.Equal(t, time.Millisecond, loaded.Recorder.FlushInterval)
}

func TestResolveRejects(t *testing.T) {
	base := func() FileConfig {
		return FileConfig{Symbols: []SymbolConfig{{Name: "AAPL", Scale: schema.ScaleSpec{PriceScale: 2}}}}
	}
	tests := []struct {
		name   string
		mutate func(*FileConfig)
	}{
		{"no symbols", func(c *FileConfig) { c.Symbols = nil }},
		{"duplicate symbol", func(c *FileConfig) { c.Symbols = append(c.Symbols, c.Symbols[0]) }},
		{"empty symbol name", func(c *FileConfig) { c.Symbols[0].Name = " " }},
		{"fractional quantity", func(c *FileConfig) { c.Risk.Default.MaxOrderQty = "1.5" }},
		{"notional beyond scale", func(c *FileConfig) { c.Risk.Default.MaxOrderNotional = "1.001" }},
		{"negative deviation", func(c *FileConfig) { c.Risk.Default.MaxPriceDeviationBps = -1 }},
		{"negative rate limit", func(c *FileConfig) { c.Risk.OrderRateLimit = -1 }},
		{"same groups", func(c *FileConfig) { c.MarketData.SnapshotGroup = defaultIncrementalGroup }},
		{"bad chaos", func(c *FileConfig) { c.MarketData.Chaos.DropRate = 2 }},
		{"tiny segments", func(c *FileConfig) {
			c.Recorder = RecorderConfig{Dir: "wal", SegmentMaxBytes: 8}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			_, err := Resolve(cfg)
			assert.Error(t, err)
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, 1500*time.Millisecond, time.Duration(d))

	require.NoError(t, json.Unmarshal([]byte(`2000`), &d))
	assert.Equal(t, 2*time.Microsecond, time.Duration(d))

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(250 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(out))
}

func TestLoadOrDefault(t *testing.T) {
	loaded, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Registry.SymbolCount())

	_, err = LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWithRecorder(t *testing.T) {
	loaded, err := WithRecorder(Default(), "feed")
	require.NoError(t, err)
	require.NotNil(t, loaded.Recorder)
	assert.Equal(t, "feed", loaded.Recorder.Dir)
	assert.Zero(t, loaded.Recorder.SyncInterval)
}

package ops

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"exchange/internal/chaos"
	"exchange/internal/matcher"
	"exchange/internal/mdg"
	"exchange/internal/og"
	"exchange/internal/recorder"
	"exchange/internal/risk"
	"exchange/internal/schema"
	"exchange/pkg/affinity"
	"exchange/pkg/mcast"
)

// Duration is a time.Duration written as "250ms" in JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Errorf("duration %s: want a string like \"1s\"", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrap(err, "parse duration").With("value", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Symbols      []SymbolConfig   `json:"symbols"`
	Risk         RiskConfig       `json:"risk"`
	Gateway      GatewayConfig    `json:"gateway"`
	MarketData   MarketDataConfig `json:"marketData"`
	Queues       QueueConfig      `json:"queues"`
	CPU          CPUConfig        `json:"cpu"`
	BusyPoll     bool             `json:"busyPoll"`
	DrainTimeout Duration         `json:"drainTimeout"`
	Recorder     RecorderConfig   `json:"recorder"`
	Admin        AdminConfig      `json:"admin"`
	Pyroscope    PyroscopeConfig  `json:"pyroscope"`
	Tape         TapeConfig       `json:"tape"`
}

// SymbolConfig describes one tradable symbol. Limits override risk.default.
type SymbolConfig struct {
	Name   string           `json:"name"`
	Scale  schema.ScaleSpec `json:"scale"`
	Limits *LimitsConfig    `json:"limits,omitempty"`
}

// LimitsConfig carries decimal limits, scaled per symbol on load.
type LimitsConfig struct {
	MaxOrderQty          string `json:"maxOrderQty"`
	MaxOrderNotional     string `json:"maxOrderNotional"`
	MaxPosition          string `json:"maxPosition"`
	MaxPriceDeviationBps int64  `json:"maxPriceDeviationBps"`
}

// RiskConfig is the pre-trade risk section.
type RiskConfig struct {
	KillSwitch      bool         `json:"killSwitch"`
	Default         LimitsConfig `json:"default"`
	OrderRateLimit  int          `json:"orderRateLimit"`
	OrderRateWindow Duration     `json:"orderRateWindow"`
}

// GatewayConfig is the order gateway section.
type GatewayConfig struct {
	Addr          string `json:"addr"`
	MaxPending    int    `json:"maxPending"`
	InboundBuffer int    `json:"inboundBuffer"`
	SessionBuffer int    `json:"sessionBuffer"`
}

// MarketDataConfig names the multicast groups.
type MarketDataConfig struct {
	Interface        string       `json:"interface"`
	IncrementalGroup string       `json:"incrementalGroup"`
	SnapshotGroup    string       `json:"snapshotGroup"`
	TTL              int          `json:"ttl"`
	Loopback         *bool        `json:"loopback"`
	SnapshotInterval Duration     `json:"snapshotInterval"`
	SnapshotPath     string       `json:"snapshotPath"`
	Chaos            chaos.Config `json:"chaos"`
}

// QueueConfig sizes the inter-thread rings.
type QueueConfig struct {
	Requests  int `json:"requests"`
	Responses int `json:"responses"`
	Updates   int `json:"updates"`
	Snapshot  int `json:"snapshot"`
}

// CPUConfig pins component threads. Missing entries stay unpinned.
type CPUConfig struct {
	Gateway     *int `json:"gateway"`
	Engine      *int `json:"engine"`
	Publisher   *int `json:"publisher"`
	Synthesizer *int `json:"synthesizer"`
}

// RecorderConfig enables the incremental feed recorder when Dir is set.
type RecorderConfig struct {
	Dir             string   `json:"dir"`
	SegmentMaxBytes int64    `json:"segmentMaxBytes"`
	FlushInterval   Duration `json:"flushInterval"`
	SyncInterval    Duration `json:"syncInterval"`
}

// AdminConfig enables the admin HTTP server when Addr is set.
type AdminConfig struct {
	Addr string `json:"addr"`
}

// PyroscopeConfig enables continuous profiling when ServerAddress is set.
type PyroscopeConfig struct {
	ServerAddress   string `json:"serverAddress"`
	ApplicationName string `json:"applicationName"`
}

// TapeConfig configures the feed bridge sinks. Empty fields disable a sink.
type TapeConfig struct {
	PostgresDSN   string   `json:"postgresDsn"`
	KafkaBrokers  []string `json:"kafkaBrokers"`
	KafkaTopic    string   `json:"kafkaTopic"`
	RedisAddr     string   `json:"redisAddr"`
	RedisPassword string   `json:"redisPassword"`
	RedisDB       int      `json:"redisDb"`
	FlushInterval Duration `json:"flushInterval"`
}

// Queues holds resolved ring capacities.
type Queues struct {
	Requests  int
	Responses int
	Updates   int
	Snapshot  int
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry    *schema.Registry
	Risk        risk.Config
	Gateway     og.Config
	Matcher     matcher.Config
	Publisher   mdg.PublisherConfig
	Synthesizer mdg.SynthesizerConfig
	Incremental mcast.SenderConfig
	Snapshot    mcast.SenderConfig
	Chaos       chaos.Config
	Queues      Queues
	// Recorder is nil when recording is disabled.
	Recorder  *recorder.Config
	AdminAddr string
	Pyroscope PyroscopeConfig
	Tape      TapeConfig
}

const (
	defaultGatewayAddr      = "127.0.0.1:12345"
	defaultIncrementalGroup = "239.0.0.1:20000"
	defaultSnapshotGroup    = "239.0.0.2:20001"
	defaultQueueSize        = 1 << 18
	defaultDrainTimeout     = time.Second
	defaultSnapshotInterval = time.Second
)

// Default returns the configuration used when no file is given: two
// symbols with two price decimals and no risk limits.
func Default() Loaded {
	cfg := FileConfig{
		Symbols: []SymbolConfig{
			{Name: "AAPL", Scale: schema.ScaleSpec{PriceScale: 2}},
			{Name: "MSFT", Scale: schema.ScaleSpec{PriceScale: 2}},
		},
	}
	loaded, err := Resolve(cfg)
	if err != nil {
		panic(err)
	}
	return loaded
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config").With("path", path)
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config").With("path", path)
	}
	return Resolve(cfg)
}

// LoadOrDefault loads path, or returns Default when path is empty.
func LoadOrDefault(path string) (Loaded, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Resolve validates cfg, builds the registry and fills defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	registry, err := buildRegistry(cfg.Symbols)
	if err != nil {
		return Loaded{}, err
	}
	riskCfg, err := resolveRisk(cfg.Risk, cfg.Symbols, registry)
	if err != nil {
		return Loaded{}, err
	}
	if err := cfg.MarketData.Chaos.Validate(); err != nil {
		return Loaded{}, err
	}

	drain := time.Duration(cfg.DrainTimeout)
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	md := cfg.MarketData
	interval := time.Duration(md.SnapshotInterval)
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	loopback := true
	if md.Loopback != nil {
		loopback = *md.Loopback
	}

	loaded := Loaded{
		Registry: registry,
		Risk:     riskCfg,
		Gateway: og.Config{
			Addr:          orDefault(cfg.Gateway.Addr, defaultGatewayAddr),
			CPU:           cpu(cfg.CPU.Gateway),
			BusyPoll:      cfg.BusyPoll,
			MaxPending:    cfg.Gateway.MaxPending,
			InboundBuffer: cfg.Gateway.InboundBuffer,
			SessionBuffer: cfg.Gateway.SessionBuffer,
			DrainTimeout:  drain,
		},
		Matcher: matcher.Config{
			CPU:          cpu(cfg.CPU.Engine),
			BusyPoll:     cfg.BusyPoll,
			DrainTimeout: drain,
		},
		Publisher: mdg.PublisherConfig{
			CPU:          cpu(cfg.CPU.Publisher),
			BusyPoll:     cfg.BusyPoll,
			DrainTimeout: drain,
		},
		Synthesizer: mdg.SynthesizerConfig{
			CPU:          cpu(cfg.CPU.Synthesizer),
			BusyPoll:     cfg.BusyPoll,
			DrainTimeout: drain,
			Interval:     interval,
			SnapshotPath: md.SnapshotPath,
		},
		Incremental: mcast.SenderConfig{
			Group:     orDefault(md.IncrementalGroup, defaultIncrementalGroup),
			Interface: md.Interface,
			TTL:       md.TTL,
			Loopback:  loopback,
		},
		Snapshot: mcast.SenderConfig{
			Group:     orDefault(md.SnapshotGroup, defaultSnapshotGroup),
			Interface: md.Interface,
			TTL:       md.TTL,
			Loopback:  loopback,
		},
		Chaos: md.Chaos,
		Queues: Queues{
			Requests:  orDefaultInt(cfg.Queues.Requests, defaultQueueSize),
			Responses: orDefaultInt(cfg.Queues.Responses, defaultQueueSize),
			Updates:   orDefaultInt(cfg.Queues.Updates, defaultQueueSize),
			Snapshot:  orDefaultInt(cfg.Queues.Snapshot, defaultQueueSize),
		},
		AdminAddr: cfg.Admin.Addr,
		Pyroscope: cfg.Pyroscope,
		Tape:      cfg.Tape,
	}
	if loaded.Incremental.Group == loaded.Snapshot.Group {
		return Loaded{}, errors.Errorf("incremental and snapshot groups must differ: %s", loaded.Snapshot.Group)
	}

	if cfg.Recorder.Dir != "" {
		if loaded.Recorder, err = resolveRecorder(cfg.Recorder); err != nil {
			return Loaded{}, err
		}
	}
	return loaded, nil
}

// WithRecorder enables recording into dir with default segment settings.
func WithRecorder(loaded Loaded, dir string) (Loaded, error) {
	rc, err := resolveRecorder(RecorderConfig{Dir: dir})
	if err != nil {
		return loaded, err
	}
	loaded.Recorder = rc
	return loaded, nil
}

func resolveRecorder(cfg RecorderConfig) (*recorder.Config, error) {
	rc := recorder.DefaultConfig(cfg.Dir)
	if cfg.SegmentMaxBytes > 0 {
		rc.SegmentMaxBytes = cfg.SegmentMaxBytes
	}
	if cfg.FlushInterval > 0 {
		rc.FlushInterval = time.Duration(cfg.FlushInterval)
	}
	rc.SyncInterval = time.Duration(cfg.SyncInterval)
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

func buildRegistry(symbols []SymbolConfig) (*schema.Registry, error) {
	if len(symbols) == 0 {
		return nil, errors.New("config has no symbols")
	}
	reg := schema.NewRegistry()
	for _, sym := range symbols {
		if _, err := reg.AddSymbol(strings.TrimSpace(sym.Name), sym.Scale); err != nil {
			return nil, errors.Wrap(err, "add symbol").With("symbol", sym.Name)
		}
	}
	return reg, nil
}

func resolveRisk(cfg RiskConfig, symbols []SymbolConfig, reg *schema.Registry) (risk.Config, error) {
	out := risk.Config{
		KillSwitch:      cfg.KillSwitch,
		Symbols:         make(map[schema.SymbolID]risk.Limits, len(symbols)),
		OrderRateLimit:  cfg.OrderRateLimit,
		OrderRateWindow: time.Duration(cfg.OrderRateWindow),
	}
	if out.OrderRateLimit < 0 || out.OrderRateWindow < 0 {
		return risk.Config{}, errors.New("risk: rate limit and window must be >= 0")
	}
	for _, sym := range symbols {
		id, _ := reg.SymbolIDByName(strings.TrimSpace(sym.Name))
		src := cfg.Default
		if sym.Limits != nil {
			src = *sym.Limits
		}
		limits, err := resolveLimits(src, sym.Scale.PriceScale)
		if err != nil {
			return risk.Config{}, errors.Wrap(err, "resolve limits").With("symbol", sym.Name)
		}
		out.Symbols[id] = limits
	}
	return out, nil
}

func resolveLimits(cfg LimitsConfig, scale schema.Scale) (risk.Limits, error) {
	var (
		l   risk.Limits
		err error
	)
	if cfg.MaxOrderQty != "" {
		if l.MaxOrderQty, err = schema.ParseQuantity(cfg.MaxOrderQty); err != nil {
			return l, err
		}
	}
	if cfg.MaxPosition != "" {
		if l.MaxPosition, err = schema.ParseQuantity(cfg.MaxPosition); err != nil {
			return l, err
		}
	}
	if cfg.MaxOrderNotional != "" {
		p, err := schema.ParsePrice(cfg.MaxOrderNotional, scale)
		if err != nil {
			return l, err
		}
		l.MaxOrderNotional = schema.Notional(p)
	}
	if cfg.MaxPriceDeviationBps < 0 {
		return l, errors.Errorf("max price deviation %d must be >= 0", cfg.MaxPriceDeviationBps)
	}
	l.MaxPriceDeviationBps = cfg.MaxPriceDeviationBps
	return l, nil
}

func cpu(v *int) int {
	if v == nil {
		return affinity.NoCPU
	}
	return *v
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

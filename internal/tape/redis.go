package tape

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

// RedisConfig addresses the redis sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// QuoteTTL expires quotes of a symbol that stopped updating. Zero keeps them.
	QuoteTTL time.Duration
	// RecentTrades caps the per-symbol trade list.
	RecentTrades int64
}

// RedisSink keeps "tob:<symbol>" as the latest quote and "trades:<symbol>"
// as a capped list of recent trades, newest first.
type RedisSink struct {
	client *redis.Client
	cfg    RedisConfig
}

func NewRedisSink(cfg RedisConfig) *RedisSink {
	if cfg.RecentTrades <= 0 {
		cfg.RecentTrades = 100
	}
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		cfg: cfg,
	}
}

func quoteKey(symbol string) string { return "tob:" + symbol }
func tradeKey(symbol string) string { return "trades:" + symbol }

func (s *RedisSink) Name() string { return "redis" }

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping").With("addr", s.cfg.Addr)
	}
	return nil
}

func (s *RedisSink) WriteTrades(ctx context.Context, trades []Trade) error {
	pipe := s.client.Pipeline()
	touched := make(map[string]struct{})
	for i := range trades {
		b, err := json.Marshal(&trades[i])
		if err != nil {
			return errors.Wrap(err, "encode trade").With("seq", trades[i].Seq)
		}
		key := tradeKey(trades[i].Symbol)
		pipe.LPush(ctx, key, b)
		touched[key] = struct{}{}
	}
	for key := range touched {
		pipe.LTrim(ctx, key, 0, s.cfg.RecentTrades-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "push trades").With("count", len(trades))
	}
	return nil
}

func (s *RedisSink) WriteQuotes(ctx context.Context, quotes []Quote) error {
	pipe := s.client.Pipeline()
	for i := range quotes {
		b, err := json.Marshal(&quotes[i])
		if err != nil {
			return errors.Wrap(err, "encode quote").With("symbol", quotes[i].Symbol)
		}
		pipe.Set(ctx, quoteKey(quotes[i].Symbol), b, s.cfg.QuoteTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "set quotes").With("count", len(quotes))
	}
	return nil
}

// Quote reads back the latest quote of a symbol. ok is false when none is stored.
func (s *RedisSink) Quote(ctx context.Context, symbol string) (Quote, bool, error) {
	b, err := s.client.Get(ctx, quoteKey(symbol)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, errors.Wrap(err, "get quote").With("symbol", symbol)
	}
	var q Quote
	if err := json.Unmarshal(b, &q); err != nil {
		return Quote{}, false, errors.Wrap(err, "decode quote").With("symbol", symbol)
	}
	return q, true, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

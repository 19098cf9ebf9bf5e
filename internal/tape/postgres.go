package tape

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"exchange/pkg/conn"
)

type tradeRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Seq        uint64    `gorm:"uniqueIndex;not null"`
	Symbol     string    `gorm:"index;size:32;not null"`
	Side       string    `gorm:"size:8;not null"`
	Price      string    `gorm:"type:numeric;not null"`
	PriceTicks int64     `gorm:"not null"`
	Qty        int64     `gorm:"not null"`
	TradedAt   time.Time `gorm:"not null"`
}

func (tradeRow) TableName() string { return "tape_trades" }

type quoteRow struct {
	Symbol    string  `gorm:"primaryKey;size:32"`
	Seq       uint64  `gorm:"not null"`
	BidPrice  *string `gorm:"type:numeric"`
	BidQty    int64
	AskPrice  *string `gorm:"type:numeric"`
	AskQty    int64
	UpdatedAt time.Time `gorm:"not null"`
}

func (quoteRow) TableName() string { return "tape_quotes" }

// PostgresSink stores trades in tape_trades and keeps one row per symbol in
// tape_quotes.
type PostgresSink struct {
	client    *conn.Client
	batchSize int
}

// NewPostgresSink connects and migrates both tables.
func NewPostgresSink(opt conn.Option) (*PostgresSink, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := client.DB().AutoMigrate(&tradeRow{}, &quoteRow{}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "migrate tape tables")
	}
	return &PostgresSink{client: client, batchSize: 500}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

// WriteTrades inserts trades, ignoring sequence numbers already stored so a
// restarted bridge can replay safely.
func (s *PostgresSink) WriteTrades(ctx context.Context, trades []Trade) error {
	rows := tradeRows(trades)
	err := s.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "seq"}}, DoNothing: true}).
		CreateInBatches(rows, s.batchSize).Error
	if err != nil {
		return errors.Wrap(err, "insert trades").With("count", len(rows))
	}
	return nil
}

// WriteQuotes upserts the latest quote per symbol.
func (s *PostgresSink) WriteQuotes(ctx context.Context, quotes []Quote) error {
	rows := quoteRows(quotes)
	err := s.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			UpdateAll: true,
		}).Create(&rows).Error
	})
	if err != nil {
		return errors.Wrap(err, "upsert quotes").With("count", len(rows))
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.client.Close()
}

func tradeRows(trades []Trade) []tradeRow {
	rows := make([]tradeRow, len(trades))
	for i, t := range trades {
		rows[i] = tradeRow{
			Seq:        t.Seq,
			Symbol:     t.Symbol,
			Side:       t.Side,
			Price:      t.Price,
			PriceTicks: t.PriceTicks,
			Qty:        t.Qty,
			TradedAt:   t.Time,
		}
	}
	return rows
}

func quoteRows(quotes []Quote) []quoteRow {
	rows := make([]quoteRow, len(quotes))
	for i, q := range quotes {
		rows[i] = quoteRow{
			Symbol:    q.Symbol,
			Seq:       q.Seq,
			BidPrice:  optional(q.BidPrice),
			BidQty:    q.BidQty,
			AskPrice:  optional(q.AskPrice),
			AskQty:    q.AskQty,
			UpdatedAt: q.Time,
		}
	}
	return rows
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
